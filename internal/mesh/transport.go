package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/process"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
	"github.com/nextlevelbuilder/agentmesh/internal/trace"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// BusMessenger drives the long-haul bus route over a shared Bus
// (Redis pub/sub in production). Envelopes land on the target's regular
// inbound topic, so a remote peer channel picks them up unchanged.
type BusMessenger struct {
	bus bus.Bus

	mu         sync.Mutex
	lastPingOK time.Time
}

// pingFreshness is how long a successful ping counts as "reachable"
// without re-probing.
const pingFreshness = 30 * time.Second

// NewBusMessenger wraps a Bus as the router's bus transport.
func NewBusMessenger(b bus.Bus) *BusMessenger {
	return &BusMessenger{bus: b}
}

// Send implements BusTransport.
func (m *BusMessenger) Send(ctx context.Context, from, to string, content json.RawMessage, threadID string) error {
	env := protocol.Envelope{
		ID:        uuid.NewString(),
		FromAgent: from,
		ToAgent:   to,
		Content:   content,
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return m.bus.Publish(ctx, protocol.MessageTopic(to), payload)
}

// Reachable implements BusTransport. A ping result stays fresh for 30s.
func (m *BusMessenger) Reachable(ctx context.Context) bool {
	m.mu.Lock()
	fresh := time.Since(m.lastPingOK) < pingFreshness
	m.mu.Unlock()
	if fresh {
		return true
	}
	if err := m.bus.Ping(ctx); err != nil {
		return false
	}
	m.mu.Lock()
	m.lastPingOK = time.Now()
	m.mu.Unlock()
	return true
}

// ReplyFunc delivers a completed local response back to the agent that
// asked for it.
type ReplyFunc func(ctx context.Context, to string, content json.RawMessage, threadID string) error

// ProcessDispatcher is the local route: it hands the content to a
// co-located agent through the process manager, creating a session per
// dispatch, and routes the session's assembled response back to the
// sender when it completes.
type ProcessDispatcher struct {
	sessions store.SessionStore
	manager  process.Manager
	reply    ReplyFunc
	met      *metrics.Metrics
}

// NewProcessDispatcher builds the local dispatcher. reply and met may be
// nil; a nil reply drops completed responses.
func NewProcessDispatcher(sessions store.SessionStore, manager process.Manager, reply ReplyFunc, met *metrics.Metrics) *ProcessDispatcher {
	return &ProcessDispatcher{sessions: sessions, manager: manager, reply: reply, met: met}
}

// Dispatch implements LocalDispatcher.
func (d *ProcessDispatcher) Dispatch(ctx context.Context, from, to string, content json.RawMessage, threadID string) error {
	name := "mesh-local"
	if threadID != "" {
		name = "mesh-local-" + threadID
	}
	session, err := d.sessions.CreateSession(ctx, "", to, name, string(content), "agent")
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Both subscriptions must exist before the process starts or an
	// immediate exit could slip past them.
	collector := process.NewResponseCollector(d.manager, session.ID)
	cancelTrack := process.TrackLifecycle(d.manager, session.ID, d.met)
	if err := d.manager.StartProcess(ctx, session, string(content), process.StartOptions{}); err != nil {
		collector.Stop()
		cancelTrack()
		return fmt.Errorf("start process: %w", err)
	}

	// The response outlives the dispatch request: keep trace values,
	// drop the caller's deadline.
	go d.deliverReply(context.WithoutCancel(ctx), collector, from, threadID)
	return nil
}

// deliverReply waits for the session's response and hands it to the
// reply function addressed to the original sender.
func (d *ProcessDispatcher) deliverReply(ctx context.Context, c *process.ResponseCollector, from, threadID string) {
	resp, err := c.Wait(ctx)
	if err != nil {
		return
	}
	if d.reply == nil || from == "" || resp.Content == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"session_id": resp.SessionID,
		"content":    resp.Content,
	})
	if err != nil {
		return
	}
	if err := d.reply(ctx, from, payload, threadID); err != nil {
		trace.Logger(ctx).Warn("local reply delivery", "session_id", resp.SessionID, "to", from, "error", err)
	}
}
