// Package rcp routes named commands across the mesh with optional correlated
// replies and tick-driven timeouts.
package rcp

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"hivemesh/mesh"
	"hivemesh/protocol"
)

// TargetKind selects how a command is routed.
type TargetKind int

const (
	TargetBroadcast TargetKind = iota
	TargetByID
	TargetByName
)

// Target addresses a command.
type Target struct {
	Kind TargetKind
	ID   mesh.NodeID
	Name string
}

// All targets every node on the mesh.
func All() Target { return Target{Kind: TargetBroadcast} }

// ByID targets one node by transport ID.
func ByID(id mesh.NodeID) Target { return Target{Kind: TargetByID, ID: id} }

// ByName targets one node by display name, resolved locally through the
// peer directory.
func ByName(name string) Target { return Target{Kind: TargetByName, Name: name} }

// Reply is one correlated answer from a node.
type Reply struct {
	From   mesh.NodeID
	Ok     bool
	Error  string
	Result json.RawMessage
}

// Result is delivered to the caller exactly once: either by reply or by
// timeout, never both, never neither.
type Result struct {
	TimedOut bool
	Replies  []Reply
}

// Ok reports whether the round trip produced at least one reply in time.
func (r Result) Ok() bool { return !r.TimedOut && len(r.Replies) > 0 }

// ReplyFunc receives the command outcome.
type ReplyFunc func(Result)

// HandlerFunc serves one named command on the receiving side. The returned
// value is marshaled into the correlated reply, if one was requested.
type HandlerFunc func(from mesh.NodeID, args map[string]string) (any, error)

// Sender is the transport slice the router needs.
type Sender interface {
	Broadcast(payload []byte) error
	Unicast(to mesh.NodeID, payload []byte) error
}

// Resolver resolves display names to node IDs.
type Resolver interface {
	ByName(name string) (mesh.NodeID, bool)
}

// SendOpts tunes one send.
type SendOpts struct {
	// Timeout overrides the router default. Resolution is the tick interval.
	Timeout time.Duration
	// Expect fires the callback early once this many replies have been
	// collected on a broadcast send. 0 waits for the timeout.
	Expect int
}

type pending struct {
	cb        ReplyFunc
	deadline  time.Time
	broadcast bool
	expect    int
	replies   []Reply
}

// Router dispatches commands and sweeps pending replies. Mutated only from
// the node tick.
type Router struct {
	self           mesh.NodeID
	send           Sender
	resolve        Resolver
	defaultTimeout time.Duration

	handlers map[string]HandlerFunc
	pending  map[string]*pending
}

// New creates a router.
func New(self mesh.NodeID, send Sender, resolve Resolver, defaultTimeout time.Duration) *Router {
	return &Router{
		self:           self,
		send:           send,
		resolve:        resolve,
		defaultTimeout: defaultTimeout,
		handlers:       make(map[string]HandlerFunc),
		pending:        make(map[string]*pending),
	}
}

// OnCommand registers a receiver-side handler for a command name.
func (r *Router) OnCommand(name string, fn HandlerFunc) {
	r.handlers[name] = fn
}

// Send routes a command. With a callback, a pending-reply slot is registered
// under a fresh correlation ID; without one the command is fire-and-forget.
// ByName targets resolve locally and fail here, never over the wire.
func (r *Router) Send(target Target, name string, args map[string]string, cb ReplyFunc, opts SendOpts, now time.Time) error {
	to := target.ID
	if target.Kind == TargetByName {
		id, ok := r.resolve.ByName(target.Name)
		if !ok {
			return fmt.Errorf("rcp: unknown node name %q", target.Name)
		}
		to = id
	}

	cmd := protocol.Command{Name: name, Args: args}
	env, err := protocol.NewEnvelope(protocol.TypeCommand, r.self, &cmd)
	if err != nil {
		return fmt.Errorf("rcp: encode command: %w", err)
	}

	var cor string
	if cb != nil {
		cor = uuid.New().String()
		env.CorID = cor
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("rcp: encode envelope: %w", err)
	}

	if target.Kind == TargetBroadcast {
		err = r.send.Broadcast(data)
	} else {
		err = r.send.Unicast(to, data)
	}
	if err != nil {
		return fmt.Errorf("rcp: send %s: %w", name, err)
	}

	if cb != nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = r.defaultTimeout
		}
		r.pending[cor] = &pending{
			cb:        cb,
			deadline:  now.Add(timeout),
			broadcast: target.Kind == TargetBroadcast,
			expect:    opts.Expect,
		}
	}
	return nil
}

// HandleCommand serves an inbound command. Unrecognized names are ignored,
// never error-replied, so unknown traffic stays cheap.
func (r *Router) HandleCommand(env *protocol.Envelope, p *protocol.Command) {
	fn, ok := r.handlers[p.Name]
	if !ok {
		return
	}

	result, err := fn(env.From, p.Args)
	if env.CorID == "" {
		return
	}

	reply := protocol.CommandReply{Ok: err == nil}
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			log.Printf("rcp: marshal result for %s: %v", p.Name, merr)
			reply.Ok = false
			reply.Error = "internal: unencodable result"
		} else {
			reply.Result = raw
		}
	}

	out, err := protocol.NewReply(protocol.TypeCommandReply, r.self, env.CorID, &reply)
	if err != nil {
		log.Printf("rcp: encode reply for %s: %v", p.Name, err)
		return
	}
	data, err := out.Encode()
	if err != nil {
		log.Printf("rcp: encode reply envelope: %v", err)
		return
	}
	if err := r.send.Unicast(env.From, data); err != nil {
		log.Printf("rcp: send reply to %s: %v", env.From.ShortName(), err)
	}
}

// HandleReply correlates an inbound reply with its pending slot. Replies
// arriving after the timeout sweep are dropped; the callback has already
// fired its failure and fires at most once.
func (r *Router) HandleReply(env *protocol.Envelope, p *protocol.CommandReply) {
	slot, ok := r.pending[env.CorID]
	if !ok {
		return
	}

	reply := Reply{From: env.From, Ok: p.Ok, Error: p.Error, Result: p.Result}
	slot.replies = append(slot.replies, reply)

	if slot.broadcast {
		if slot.expect > 0 && len(slot.replies) >= slot.expect {
			delete(r.pending, env.CorID)
			slot.cb(Result{Replies: slot.replies})
		}
		return
	}

	delete(r.pending, env.CorID)
	slot.cb(Result{Replies: slot.replies})
}

// Tick expires pending slots past their deadline and fires their callbacks
// exactly once. A unicast slot that never got its reply is a timeout failure.
// A broadcast slot closes its collection window here: with replies in hand
// that is the normal success path, empty-handed it is a timeout.
func (r *Router) Tick(now time.Time) {
	for cor, slot := range r.pending {
		if now.After(slot.deadline) {
			delete(r.pending, cor)
			res := Result{Replies: slot.replies}
			if !slot.broadcast || len(slot.replies) == 0 {
				res.TimedOut = true
			}
			slot.cb(res)
		}
	}
}

// PendingCount reports outstanding correlated sends.
func (r *Router) PendingCount() int { return len(r.pending) }
