package www

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hivemesh/mesh"
	"hivemesh/rcp"
)

type nodeView struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Role      string           `json:"role"`
	Mode      string           `json:"mode"`
	Version   string           `json:"fw_version"`
	Hardware  string           `json:"hardware,omitempty"`
	Uptime    int64            `json:"uptime"`
	MemFree   uint64           `json:"mem_free"`
	Gauges    map[string]int64 `json:"gauges,omitempty"`
	Alive     bool             `json:"alive"`
	LastSeen  time.Time        `json:"last_seen"`
	Self      bool             `json:"self,omitempty"`
}

func (h *Handlers) apiNodes(w http.ResponseWriter, r *http.Request) {
	coord, _ := h.node.Coordinator()
	peers := h.node.Peers()

	out := make([]nodeView, 0, len(peers)+1)
	out = append(out, nodeView{
		ID:    h.node.ID().ShortName(),
		Name:  h.node.Name(),
		Alive: true,
		Self:  true,
	})
	for _, p := range peers {
		out = append(out, nodeView{
			ID:       p.ID.ShortName(),
			Name:     p.Name,
			Role:     p.Role,
			Mode:     p.Mode,
			Version:  p.FirmwareVersion,
			Hardware: p.Hardware,
			Uptime:   p.Uptime,
			MemFree:  p.MemFree,
			Gauges:   p.Gauges,
			Alive:    p.Alive,
			LastSeen: p.LastHeartbeat,
		})
	}
	writeJSON(w, map[string]interface{}{
		"coordinator": coord.ShortName(),
		"nodes":       out,
	})
}

func (h *Handlers) apiState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.node.States())
}

func (h *Handlers) apiSetState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	h.node.DoSync(func() { h.node.SetState(key, req.Value) })
	writeJSON(w, map[string]string{"status": "ok"})
}

type commandRequest struct {
	Target    string            `json:"target"` // "all", a node ID, or a name
	Name      string            `json:"name"`
	Args      map[string]string `json:"args"`
	TimeoutMS int               `json:"timeout_ms"`
	Expect    int               `json:"expect"`
}

type replyView struct {
	From   string          `json:"from"`
	Ok     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (h *Handlers) apiCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing command name")
		return
	}

	var target rcp.Target
	switch {
	case req.Target == "" || req.Target == "all":
		target = rcp.All()
	default:
		if id, ok := parseUint32(req.Target); ok {
			target = rcp.ByID(mesh.NodeID(id))
		} else {
			target = rcp.ByName(req.Target)
		}
	}

	res, err := h.node.SendCommand(target, req.Name, req.Args, rcp.SendOpts{
		Timeout: parseDuration(req.TimeoutMS, 0),
		Expect:  req.Expect,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	replies := make([]replyView, 0, len(res.Replies))
	for _, rep := range res.Replies {
		replies = append(replies, replyView{
			From:   rep.From.ShortName(),
			Ok:     rep.Ok,
			Error:  rep.Error,
			Result: rep.Result,
		})
	}
	writeJSON(w, map[string]interface{}{
		"ok":        res.Ok(),
		"timed_out": res.TimedOut,
		"replies":   replies,
	})
}
