package node

import (
	"fmt"
	"log"

	"hivemesh/mesh"
	"hivemesh/protocol"
)

// statusReport is the "status" command result.
type statusReport struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Mode        string `json:"mode"`
	Coordinator string `json:"coordinator"`
	Uptime      int64  `json:"uptime"`
	Peers       int    `json:"peers"`
	States      int    `json:"states"`
	Version     string `json:"fw_version"`
	Hardware    string `json:"hardware"`
}

// privileged gates mutating commands to coordinator or gateway origin when
// the config demands it.
func (n *Node) privileged(from mesh.NodeID) error {
	if !n.cfg.RCP.RequirePrivileged {
		return nil
	}
	if from == n.dir.Coordinator() {
		return nil
	}
	if p, ok := n.dir.Get(from); ok && p.Role == "gateway" {
		return nil
	}
	return fmt.Errorf("requires coordinator or gateway origin")
}

func (n *Node) registerBuiltins() {
	n.router.OnCommand("ping", func(from mesh.NodeID, args map[string]string) (any, error) {
		return map[string]string{"pong": n.cfg.NodeName}, nil
	})

	n.router.OnCommand("status", func(from mesh.NodeID, args map[string]string) (any, error) {
		return statusReport{
			ID:          n.self.ShortName(),
			Name:        n.cfg.NodeName,
			Role:        n.cfg.Role,
			Mode:        n.dir.Mode(),
			Coordinator: n.dir.Coordinator().ShortName(),
			Uptime:      int64(n.now.Sub(n.start).Seconds()),
			Peers:       n.dir.AliveCount(),
			States:      n.states.Len(),
			Version:     n.cfg.FirmwareVersion,
			Hardware:    n.cfg.Hardware,
		}, nil
	})

	n.router.OnCommand("peers", func(from mesh.NodeID, args map[string]string) (any, error) {
		return n.dir.Snapshot(), nil
	})

	n.router.OnCommand("state", func(from mesh.NodeID, args map[string]string) (any, error) {
		return n.states.Snapshot(), nil
	})

	n.router.OnCommand("get", func(from mesh.NodeID, args map[string]string) (any, error) {
		key := args["key"]
		if key == "" {
			return nil, fmt.Errorf("get: missing key")
		}
		e, ok := n.states.Entry(key)
		if !ok {
			return nil, fmt.Errorf("get: unknown key %q", key)
		}
		return map[string]any{
			"key": key, "value": e.Value, "version": e.Version, "origin": e.Origin.ShortName(),
		}, nil
	})

	n.router.OnCommand("set", func(from mesh.NodeID, args map[string]string) (any, error) {
		if err := n.privileged(from); err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
		key := args["key"]
		if key == "" {
			return nil, fmt.Errorf("set: missing key")
		}
		n.SetState(key, args["value"])
		e, _ := n.states.Entry(key)
		return map[string]any{"key": key, "value": e.Value, "version": e.Version}, nil
	})

	// sync pushes our full map and asks everyone for theirs.
	n.router.OnCommand("sync", func(from mesh.NodeID, args map[string]string) (any, error) {
		n.sendSync(mesh.Broadcast)
		n.broadcastOrUnicast(mesh.Broadcast, protocol.TypeStateRequest, &protocol.StateRequest{})
		return map[string]int{"states": n.states.Len()}, nil
	})

	n.router.OnCommand("info", func(from mesh.NodeID, args map[string]string) (any, error) {
		return map[string]string{
			"id":         n.self.ShortName(),
			"name":       n.cfg.NodeName,
			"role":       n.cfg.Role,
			"hardware":   n.cfg.Hardware,
			"fw_version": n.cfg.FirmwareVersion,
			"fw_md5":     n.cfg.FirmwareMD5,
		}, nil
	})

	n.router.OnCommand("reboot", func(from mesh.NodeID, args map[string]string) (any, error) {
		if err := n.privileged(from); err != nil {
			return nil, fmt.Errorf("reboot: %w", err)
		}
		// Defer to the next tick so the reply goes out first. Non-blocking:
		// this runs on the tick goroutine, which must never wait on itself.
		select {
		case n.ops <- func() {
			if n.OnReboot != nil {
				n.OnReboot()
				return
			}
			log.Printf("node: reboot requested by %s, no reboot hook installed", from.ShortName())
		}:
		default:
			return nil, fmt.Errorf("reboot: node busy")
		}
		return map[string]bool{"rebooting": true}, nil
	})
}
