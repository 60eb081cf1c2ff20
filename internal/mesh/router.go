// Package mesh routes outbound agent requests over one of three routes —
// direct peer delivery, the long-haul bus transport, or local in-process
// dispatch — with principled fallback and a persisted delivery record
// per message.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/directory"
	"github.com/nextlevelbuilder/agentmesh/internal/guard"
	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/peer"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
	"github.com/nextlevelbuilder/agentmesh/internal/trace"
)

// Route labels.
type Route string

const (
	RouteDirect Route = "direct"
	RouteBus    Route = "bus"
	RouteLocal  Route = "local"
)

// RoutePref constrains route selection.
type RoutePref string

const (
	PrefDirect RoutePref = "direct"
	PrefBus    RoutePref = "bus"
	PrefAuto   RoutePref = "auto"
)

// Request is one outbound routing request.
type Request struct {
	From     string
	To       string
	Content  json.RawMessage
	ThreadID string
	Pref     RoutePref
}

// Result reports the final route and delivery outcome.
type Result struct {
	MessageID string
	Route     Route
	Delivered bool
}

// BusTransport is the long-haul transport collaborator. It shares the
// send/onMessage shape of the peer channel but rides a different
// substrate (in this deployment, Redis pub/sub).
type BusTransport interface {
	Send(ctx context.Context, from, to string, content json.RawMessage, threadID string) error
	Reachable(ctx context.Context) bool
}

// LocalDispatcher delivers to a co-located agent without any network.
// from identifies the sender so the response finds its way back.
type LocalDispatcher interface {
	Dispatch(ctx context.Context, from, to string, content json.RawMessage, threadID string) error
}

// Router selects and drives routes. The guard sits between the router
// and every transport attempt: rejected messages never reach a route.
type Router struct {
	node     *peer.Node
	busT     BusTransport
	local    LocalDispatcher
	dir      directory.Directory
	messages store.MessageStore
	guard    *guard.Guard
	met      *metrics.Metrics

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// NewRouter assembles a router. busT and local may be nil when a
// deployment lacks that route; such routes are skipped during fallback.
func NewRouter(node *peer.Node, busT BusTransport, local LocalDispatcher, dir directory.Directory, messages store.MessageStore, g *guard.Guard, met *metrics.Metrics) *Router {
	return &Router{
		node:     node,
		busT:     busT,
		local:    local,
		dir:      dir,
		messages: messages,
		guard:    g,
		met:      met,
		threads:  make(map[string]*sync.Mutex),
	}
}

// Send routes one request. The message record is written with status
// pending before any transport is attempted; on success it is updated to
// sent with the winning route's label. Fallback follows the fixed order
// direct → bus → local starting at the chosen route, never backwards.
func (r *Router) Send(ctx context.Context, req Request) (Result, error) {
	log := trace.Logger(ctx)

	if d := r.guard.Check(req.From, req.To); !d.Allowed {
		r.countMessage("rejected")
		return Result{}, &guard.RejectedError{From: req.From, To: req.To, Reason: d.Reason, RetryAfter: d.RetryAfter}
	}

	rec := &store.Message{
		FromAgent: req.From,
		ToAgent:   req.To,
		ThreadID:  req.ThreadID,
		Content:   req.Content,
		Status:    store.MessagePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.messages.CreateMessage(ctx, rec); err != nil {
		return Result{}, &store.StoreError{Op: "CreateMessage", Err: err}
	}

	// Per-thread serialization keeps send order within one thread on a
	// single route. Order across fallbacks is not guaranteed.
	if req.ThreadID != "" {
		tm := r.threadMutex(req.ThreadID)
		tm.Lock()
		defer tm.Unlock()
	}

	routes := r.routePlan(ctx, req.Pref, req.To)
	var lastErr error
	var lastRoute Route
	for _, route := range routes {
		lastRoute = route
		err := r.attempt(ctx, route, req)
		if err == nil {
			r.guard.RecordSuccess(req.To)
			r.countMessage("sent")
			if uerr := r.messages.UpdateMessageStatus(ctx, rec.ID, store.MessageSent, string(route)); uerr != nil {
				log.Warn("updating message record", "message_id", rec.ID, "error", uerr)
			}
			log.Info("message routed", "message_id", rec.ID, "from", req.From, "to", req.To, "route", route)
			return Result{MessageID: rec.ID, Route: route, Delivered: true}, nil
		}
		lastErr = err
		log.Warn("route failed, falling back", "message_id", rec.ID, "route", route, "error", err)
	}

	r.guard.RecordFailure(req.To)
	r.countMessage("failed")
	if uerr := r.messages.UpdateMessageStatus(ctx, rec.ID, store.MessageFailed, string(lastRoute)); uerr != nil {
		log.Warn("updating message record", "message_id", rec.ID, "error", uerr)
	}
	if lastErr == nil {
		lastErr = errors.New("no route available")
	}
	return Result{MessageID: rec.ID, Route: lastRoute}, fmt.Errorf("all routes exhausted: %w", lastErr)
}

// routePlan returns the ordered routes to attempt. Auto chooses the
// start of the direct → bus → local chain from directory presence and
// mesh health; an explicit preference pins the starting point. The plan
// never moves backwards in the chain.
func (r *Router) routePlan(ctx context.Context, pref RoutePref, to string) []Route {
	full := []Route{RouteDirect, RouteBus, RouteLocal}

	var start int
	switch pref {
	case PrefDirect:
		start = 0
	case PrefBus:
		start = 1
	default:
		start = r.autoStart(ctx, to)
	}

	var plan []Route
	for _, route := range full[start:] {
		if r.routeAvailable(route) {
			plan = append(plan, route)
		}
	}
	return plan
}

func (r *Router) autoStart(ctx context.Context, to string) int {
	if r.node != nil && r.dir != nil {
		health, err := r.dir.NetworkHealth(ctx)
		if err == nil && health.Healthy() && r.targetInDirectory(ctx, to) {
			return 0
		}
	}
	if r.busT != nil && r.busT.Reachable(ctx) {
		return 1
	}
	return 2
}

func (r *Router) targetInDirectory(ctx context.Context, to string) bool {
	agents, err := r.dir.DiscoverAgents(ctx, nil)
	if err != nil {
		return false
	}
	for _, a := range agents {
		if a.ID == to {
			return true
		}
	}
	return false
}

func (r *Router) routeAvailable(route Route) bool {
	switch route {
	case RouteDirect:
		return r.node != nil
	case RouteBus:
		return r.busT != nil
	case RouteLocal:
		return r.local != nil
	}
	return false
}

func (r *Router) attempt(ctx context.Context, route Route, req Request) error {
	switch route {
	case RouteDirect:
		return r.node.SendTo(ctx, req.To, req.Content, req.ThreadID)
	case RouteBus:
		return r.busT.Send(ctx, req.From, req.To, req.Content, req.ThreadID)
	case RouteLocal:
		return r.local.Dispatch(ctx, req.From, req.To, req.Content, req.ThreadID)
	}
	return fmt.Errorf("unknown route %q", route)
}

func (r *Router) threadMutex(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	tm, ok := r.threads[threadID]
	if !ok {
		tm = &sync.Mutex{}
		r.threads[threadID] = tm
	}
	return tm
}

func (r *Router) countMessage(status string) {
	if r.met != nil {
		r.met.AgentMessagesTotal.WithLabelValues("outbound", status).Inc()
	}
}
