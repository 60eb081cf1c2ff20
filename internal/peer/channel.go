// Package peer implements the agent-to-agent messaging endpoint: the
// Channel (a symmetric, acked, rate-limited pub/sub link between exactly
// two agents) and the Node (a per-agent endpoint owning its channels).
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/trace"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState string

const (
	StateIdle       ChannelState = "idle"
	StateConnecting ChannelState = "connecting"
	StateConnected  ChannelState = "connected"
	StateClosing    ChannelState = "closing"
	StateClosed     ChannelState = "closed"
)

// ErrNotConnected is returned for operations outside the connected state.
type ErrNotConnected struct {
	State ChannelState
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("channel not connected (state %s)", e.State)
}

// RateLimitedError is the channel token-bucket denial. It is a distinct
// type from the guard's rejection so callers can tell the two apart.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("channel rate limit exceeded, retry after %s", e.RetryAfter)
}

// Kind returns the stable machine-readable tag for this error.
func (e *RateLimitedError) Kind() string { return "RATE_LIMITED" }

// EventType enumerates channel events.
type EventType string

const (
	EventMessage      EventType = "message"
	EventAck          EventType = "ack"
	EventAckTimeout   EventType = "ackTimeout"
	EventUnhealthy    EventType = "unhealthy"
	EventDisconnected EventType = "disconnected"
)

// Event is delivered to the channel's event callback. Exactly one of
// Envelope/Ack is set for message/ack events; AckTimeout carries the
// expired MessageID.
type Event struct {
	Type      EventType
	ChannelID string
	PeerID    string
	Envelope  *protocol.Envelope
	Ack       *protocol.Ack
	MessageID string
}

// EventHandler observes channel events. Handlers run on channel
// goroutines and must not block.
type EventHandler func(Event)

// ChannelOptions tunes a channel. Zero values fall back to defaults.
type ChannelOptions struct {
	MaxTokens      int           // token bucket capacity (default 10)
	RefillRate     float64       // tokens per second, continuous (default 1)
	MaxHistorySize int           // bounded ring size (default 100)
	AckTimeout     time.Duration // pending-ack expiry (default 30s)
	PingInterval   time.Duration // liveness cadence (default 30s)
	MaxMissedPings int           // consecutive misses before unhealthy (default 3)
}

// DefaultChannelOptions returns the standard tuning.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		MaxTokens:      10,
		RefillRate:     1,
		MaxHistorySize: 100,
		AckTimeout:     30 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMissedPings: 3,
	}
}

// controlBody is the reserved content shape carrying liveness traffic.
// Application content with a top-level "control" key is reserved.
type controlBody struct {
	Control string `json:"control"`
	Nonce   string `json:"nonce,omitempty"`
}

// Channel is one end of a bidirectional link between two agents over the
// bus. Both ends derive the same channel id from the sorted agent pair.
type Channel struct {
	id      string
	localID string
	peerID  string
	bus     bus.Bus
	opts    ChannelOptions
	limiter *rate.Limiter
	onEvent EventHandler

	mu          sync.Mutex
	state       ChannelState
	history     []protocol.Envelope
	pendingAcks map[string]*time.Timer
	msgSub      bus.Subscription
	ackSub      bus.Subscription

	pingStop    chan struct{}
	pingPending bool
	missedPings int
}

// NewChannel builds the channel between localID and peerID. Connect must
// be called before sending.
func NewChannel(localID, peerID string, b bus.Bus, opts ChannelOptions, onEvent EventHandler) *Channel {
	def := DefaultChannelOptions()
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.RefillRate <= 0 {
		opts.RefillRate = def.RefillRate
	}
	if opts.MaxHistorySize <= 0 {
		opts.MaxHistorySize = def.MaxHistorySize
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = def.AckTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.MaxMissedPings <= 0 {
		opts.MaxMissedPings = def.MaxMissedPings
	}

	return &Channel{
		id:          protocol.ChannelID(localID, peerID),
		localID:     localID,
		peerID:      peerID,
		bus:         b,
		opts:        opts,
		limiter:     rate.NewLimiter(rate.Limit(opts.RefillRate), opts.MaxTokens),
		onEvent:     onEvent,
		state:       StateIdle,
		pendingAcks: make(map[string]*time.Timer),
	}
}

// ID returns the deterministic channel identifier.
func (c *Channel) ID() string { return c.id }

// PeerID returns the remote agent id.
func (c *Channel) PeerID() string { return c.peerID }

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect subscribes to this end's message and ack topics and starts the
// liveness loop. Calling Connect on a connected channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return &ErrNotConnected{State: StateClosed}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	msgSub, err := c.bus.Subscribe(ctx, protocol.MessageTopic(c.localID), c.handleMessage)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("subscribe messages: %w", err)
	}
	ackSub, err := c.bus.Subscribe(ctx, protocol.AckTopic(c.localID), c.handleAck)
	if err != nil {
		msgSub.Unsubscribe()
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("subscribe acks: %w", err)
	}

	c.mu.Lock()
	c.msgSub = msgSub
	c.ackSub = ackSub
	c.state = StateConnected
	c.pingStop = make(chan struct{})
	c.missedPings = 0
	c.pingPending = false
	stop := c.pingStop
	c.mu.Unlock()

	go c.livenessLoop(stop)

	trace.Logger(ctx).Info("peer channel connected", "channel", c.id, "local", c.localID, "peer", c.peerID)
	return nil
}

// Send publishes content to the peer. requireAck registers a pending-ack
// timer that fires an ackTimeout event unless a matching ack arrives
// first. The envelope is returned so callers can correlate acks.
func (c *Channel) Send(ctx context.Context, content json.RawMessage, threadID string, requireAck bool) (*protocol.Envelope, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		st := c.state
		c.mu.Unlock()
		return nil, &ErrNotConnected{State: st}
	}
	c.mu.Unlock()

	if !c.limiter.Allow() {
		// One token refills in 1/rate seconds.
		retry := time.Duration(float64(time.Second) / c.opts.RefillRate)
		return nil, &RateLimitedError{RetryAfter: retry}
	}

	env := protocol.Envelope{
		ID:         uuid.NewString(),
		FromAgent:  c.localID,
		ToAgent:    c.peerID,
		Content:    content,
		ThreadID:   threadID,
		Timestamp:  time.Now().UTC(),
		RequireAck: requireAck,
	}

	payload, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.bus.Publish(ctx, protocol.MessageTopic(c.peerID), payload); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	c.mu.Lock()
	c.appendHistoryLocked(env)
	if requireAck {
		id := env.ID
		c.pendingAcks[id] = time.AfterFunc(c.opts.AckTimeout, func() { c.expireAck(id) })
	}
	c.mu.Unlock()

	trace.Logger(ctx).Debug("peer message sent", "channel", c.id, "message_id", env.ID, "to", c.peerID, "require_ack", requireAck)
	return &env, nil
}

// History returns a copy of the bounded send/receive ring.
func (c *Channel) History() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.history))
	copy(out, c.history)
	return out
}

// Close cancels the liveness loop, clears pending-ack timers,
// unsubscribes both topics, and emits disconnected. Repeated Close is a
// no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing

	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	for id, timer := range c.pendingAcks {
		timer.Stop()
		delete(c.pendingAcks, id)
	}
	msgSub, ackSub := c.msgSub, c.ackSub
	c.msgSub, c.ackSub = nil, nil
	c.state = StateClosed
	c.mu.Unlock()

	if msgSub != nil {
		msgSub.Unsubscribe()
	}
	if ackSub != nil {
		ackSub.Unsubscribe()
	}
	c.emit(Event{Type: EventDisconnected, ChannelID: c.id, PeerID: c.peerID})
	return nil
}

func (c *Channel) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Channel) appendHistoryLocked(env protocol.Envelope) {
	c.history = append(c.history, env)
	if len(c.history) > c.opts.MaxHistorySize {
		c.history = c.history[len(c.history)-c.opts.MaxHistorySize:]
	}
}

// handleMessage processes an inbound envelope. Malformed payloads are
// dropped with an error log; the channel never fails over a bad peer
// message.
func (c *Channel) handleMessage(payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		trace.Logger(context.Background()).Error("dropping malformed envelope", "channel", c.id, "error", err)
		return
	}
	if err := env.Validate(); err != nil {
		trace.Logger(context.Background()).Error("dropping invalid envelope", "channel", c.id, "error", err)
		return
	}
	if env.ToAgent != c.localID || env.FromAgent != c.peerID {
		return // addressed to another channel on the shared topic
	}

	// Liveness control traffic never reaches the application.
	var ctl controlBody
	if json.Unmarshal(env.Content, &ctl) == nil && ctl.Control != "" {
		c.handleControl(ctl)
		return
	}

	c.mu.Lock()
	c.appendHistoryLocked(env)
	c.mu.Unlock()

	c.emit(Event{Type: EventMessage, ChannelID: c.id, PeerID: c.peerID, Envelope: &env})

	if env.RequireAck {
		go c.sendAck(env.ID, protocol.AckReceived, "")
	}
}

// handleAck resolves a pending-ack entry. Whichever of the ack and the
// timeout fires first owns the entry; the loser is a no-op.
func (c *Channel) handleAck(payload []byte) {
	var ack protocol.Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		trace.Logger(context.Background()).Error("dropping malformed ack", "channel", c.id, "error", err)
		return
	}
	if ack.FromAgent != c.peerID {
		return
	}

	c.mu.Lock()
	timer, ok := c.pendingAcks[ack.MessageID]
	if ok {
		timer.Stop()
		delete(c.pendingAcks, ack.MessageID)
	}
	c.mu.Unlock()

	if ok {
		c.emit(Event{Type: EventAck, ChannelID: c.id, PeerID: c.peerID, Ack: &ack, MessageID: ack.MessageID})
	}
}

// sendAck publishes an acknowledgement. Acks are never themselves acked
// and bypass the token bucket so a saturated sender can still confirm
// receipt.
func (c *Channel) sendAck(messageID, status, errMsg string) {
	ack := protocol.Ack{
		MessageID: messageID,
		FromAgent: c.localID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     errMsg,
	}
	payload, err := json.Marshal(&ack)
	if err != nil {
		return
	}
	if err := c.bus.Publish(context.Background(), protocol.AckTopic(c.peerID), payload); err != nil {
		trace.Logger(context.Background()).Error("publishing ack", "channel", c.id, "message_id", messageID, "error", err)
	}
}

func (c *Channel) expireAck(messageID string) {
	c.mu.Lock()
	_, ok := c.pendingAcks[messageID]
	if ok {
		delete(c.pendingAcks, messageID)
	}
	c.mu.Unlock()

	if ok {
		c.emit(Event{Type: EventAckTimeout, ChannelID: c.id, PeerID: c.peerID, MessageID: messageID})
	}
}

// livenessLoop sends a ping every PingInterval through the normal send
// path. A ping still outstanding at the next tick counts as missed;
// MaxMissedPings consecutive misses emit unhealthy without closing the
// channel.
func (c *Channel) livenessLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tickLiveness()
		}
	}
}

func (c *Channel) tickLiveness() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if c.pingPending {
		c.missedPings++
		if c.missedPings >= c.opts.MaxMissedPings {
			missed := c.missedPings
			c.mu.Unlock()
			c.emit(Event{Type: EventUnhealthy, ChannelID: c.id, PeerID: c.peerID})
			trace.Logger(context.Background()).Warn("peer channel unhealthy", "channel", c.id, "peer", c.peerID, "missed_pings", missed)
			c.mu.Lock()
		}
	}
	c.pingPending = true
	c.mu.Unlock()

	body, _ := json.Marshal(controlBody{Control: "ping", Nonce: uuid.NewString()})
	if _, err := c.Send(context.Background(), body, "", false); err != nil {
		trace.Logger(context.Background()).Debug("liveness ping failed", "channel", c.id, "error", err)
	}
}

func (c *Channel) handleControl(ctl controlBody) {
	switch ctl.Control {
	case "ping":
		body, _ := json.Marshal(controlBody{Control: "pong", Nonce: ctl.Nonce})
		env := protocol.Envelope{
			ID:        uuid.NewString(),
			FromAgent: c.localID,
			ToAgent:   c.peerID,
			Content:   body,
			Timestamp: time.Now().UTC(),
		}
		payload, _ := json.Marshal(&env)
		// Pong replies bypass the token bucket: liveness must not be
		// starved by application traffic.
		if err := c.bus.Publish(context.Background(), protocol.MessageTopic(c.peerID), payload); err != nil {
			trace.Logger(context.Background()).Debug("pong failed", "channel", c.id, "error", err)
		}
	case "pong":
		c.mu.Lock()
		c.pingPending = false
		c.missedPings = 0
		c.mu.Unlock()
	}
}
