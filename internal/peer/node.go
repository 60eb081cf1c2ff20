package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/directory"
	"github.com/nextlevelbuilder/agentmesh/internal/resilience"
	"github.com/nextlevelbuilder/agentmesh/internal/trace"
)

// NodeOptions tunes a Node. Zero values fall back to defaults.
type NodeOptions struct {
	Channel           ChannelOptions
	FailureThreshold  int           // consecutive send failures before a peer's breaker opens (default 3)
	ResetTimeout      time.Duration // peer breaker cooldown (default 30s)
	SuccessThreshold  int           // half-open successes to close (default 1)
	HeartbeatInterval time.Duration // presence refresh cadence (default 30s)
	IdleEviction      time.Duration // evict connections idle longer than this (default 5m)
	AutoConnectTrust  float64       // discovery auto-connect threshold (default 0.8)
}

// DefaultNodeOptions returns the standard tuning.
func DefaultNodeOptions() NodeOptions {
	return NodeOptions{
		FailureThreshold:  3,
		ResetTimeout:      30 * time.Second,
		SuccessThreshold:  1,
		HeartbeatInterval: 30 * time.Second,
		IdleEviction:      5 * time.Minute,
		AutoConnectTrust:  0.8,
	}
}

// PeerConnection is the node's view of one connected peer.
type PeerConnection struct {
	PeerID       string
	LastActivity time.Time
	TrustScore   float64
	Active       bool
}

type connection struct {
	channel      *Channel
	breaker      *resilience.CircuitBreaker
	lastActivity time.Time
	trustScore   float64
}

// Node is a per-agent endpoint. It owns its channels and the per-peer
// breakers that keep it from hammering a misbehaving peer.
type Node struct {
	id      string
	bus     bus.Bus
	dir     directory.Directory
	opts    NodeOptions
	onEvent EventHandler

	mu    sync.Mutex
	conns map[string]*connection

	hbStop chan struct{}
	hbOnce sync.Once
}

// NewNode creates a node for the locally hosted agent id and starts its
// heartbeat. Close releases the heartbeat and every channel.
func NewNode(id string, b bus.Bus, dir directory.Directory, opts NodeOptions, onEvent EventHandler) *Node {
	def := DefaultNodeOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = def.ResetTimeout
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = def.SuccessThreshold
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.IdleEviction <= 0 {
		opts.IdleEviction = def.IdleEviction
	}
	if opts.AutoConnectTrust <= 0 {
		opts.AutoConnectTrust = def.AutoConnectTrust
	}

	n := &Node{
		id:      id,
		bus:     b,
		dir:     dir,
		opts:    opts,
		onEvent: onEvent,
		conns:   make(map[string]*connection),
		hbStop:  make(chan struct{}),
	}
	go n.heartbeatLoop()
	return n
}

// ID returns the local agent id.
func (n *Node) ID() string { return n.id }

// ConnectTo lazily creates and connects the channel to a peer. Existing
// connected channels are reused.
func (n *Node) ConnectTo(ctx context.Context, peerID string) error {
	if peerID == n.id {
		return fmt.Errorf("cannot connect to self")
	}

	n.mu.Lock()
	conn, ok := n.conns[peerID]
	if ok && conn.channel.State() == StateConnected {
		n.mu.Unlock()
		return nil
	}
	if !ok {
		conn = &connection{
			channel: NewChannel(n.id, peerID, n.bus, n.opts.Channel, n.onEvent),
			breaker: resilience.NewCircuitBreaker(resilience.BreakerOptions{
				FailureThreshold: n.opts.FailureThreshold,
				ResetTimeout:     n.opts.ResetTimeout,
				SuccessThreshold: n.opts.SuccessThreshold,
			}),
			trustScore: 0.5,
		}
		n.conns[peerID] = conn
	}
	n.mu.Unlock()

	if err := conn.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", peerID, err)
	}

	n.mu.Lock()
	conn.lastActivity = time.Now()
	n.mu.Unlock()
	return nil
}

// SendTo delivers content to a peer over its channel, auto-connecting if
// needed. The peer's breaker is consulted first; delivery outcomes feed
// it. Successful sends bump activity and nudge trust toward 1.
func (n *Node) SendTo(ctx context.Context, peerID string, content json.RawMessage, threadID string) error {
	if err := n.ConnectTo(ctx, peerID); err != nil {
		return err
	}

	n.mu.Lock()
	conn := n.conns[peerID]
	n.mu.Unlock()

	if ok, wait := conn.breaker.Allow(); !ok {
		return &resilience.CircuitOpenError{RetryAfter: wait}
	}

	_, err := conn.channel.Send(ctx, content, threadID, true)
	if err != nil {
		conn.breaker.RecordFailure()
		return err
	}
	conn.breaker.RecordSuccess()

	n.mu.Lock()
	conn.lastActivity = time.Now()
	conn.trustScore = min(1, conn.trustScore+0.01)
	n.mu.Unlock()

	trace.Logger(ctx).Debug("node send", "node", n.id, "peer", peerID, "thread", threadID)
	return nil
}

// Broadcast sends content to every active peer except those excluded.
// Per-peer failures are tolerated and reported together.
func (n *Node) Broadcast(ctx context.Context, content json.RawMessage, exclude ...string) map[string]error {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	n.mu.Lock()
	peers := make([]string, 0, len(n.conns))
	for id, conn := range n.conns {
		if !skip[id] && conn.channel.State() == StateConnected {
			peers = append(peers, id)
		}
	}
	n.mu.Unlock()

	failures := make(map[string]error)
	var wg sync.WaitGroup
	var fmu sync.Mutex
	for _, id := range peers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := n.SendTo(ctx, id, content, ""); err != nil {
				fmu.Lock()
				failures[id] = err
				fmu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failures
}

// DiscoverPeers queries the directory, filters out self and peers already
// connected, and auto-connects to those the directory trusts above the
// threshold. It returns everything discovered (after filtering).
func (n *Node) DiscoverPeers(ctx context.Context, capabilities []string) ([]directory.AgentInfo, error) {
	agents, err := n.dir.DiscoverAgents(ctx, capabilities)
	if err != nil {
		return nil, fmt.Errorf("discover agents: %w", err)
	}

	n.mu.Lock()
	connected := make(map[string]bool, len(n.conns))
	for id, conn := range n.conns {
		if conn.channel.State() == StateConnected {
			connected[id] = true
		}
	}
	n.mu.Unlock()

	var out []directory.AgentInfo
	for _, a := range agents {
		if a.ID == n.id || connected[a.ID] {
			continue
		}
		out = append(out, a)
		if a.TrustScore > n.opts.AutoConnectTrust {
			if err := n.ConnectTo(ctx, a.ID); err != nil {
				trace.Logger(ctx).Warn("auto-connect failed", "node", n.id, "peer", a.ID, "error", err)
			}
		}
	}
	return out, nil
}

// Peers returns a snapshot of the connection map. Active mirrors the
// channel state: Active is true exactly when the channel is connected.
func (n *Node) Peers() []PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]PeerConnection, 0, len(n.conns))
	for id, conn := range n.conns {
		out = append(out, PeerConnection{
			PeerID:       id,
			LastActivity: conn.lastActivity,
			TrustScore:   conn.trustScore,
			Active:       conn.channel.State() == StateConnected,
		})
	}
	return out
}

// HasActivePeer reports whether a connected channel to the peer exists.
func (n *Node) HasActivePeer(peerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn, ok := n.conns[peerID]
	return ok && conn.channel.State() == StateConnected
}

// Close stops the heartbeat and closes every channel.
func (n *Node) Close() error {
	n.hbOnce.Do(func() { close(n.hbStop) })

	n.mu.Lock()
	conns := make([]*connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.conns = make(map[string]*connection)
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.channel.Close()
	}
	return nil
}

// heartbeatLoop refreshes presence and evicts idle connections.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.hbStop:
			return
		case <-ticker.C:
			n.evictIdle()
		}
	}
}

func (n *Node) evictIdle() {
	cutoff := time.Now().Add(-n.opts.IdleEviction)

	n.mu.Lock()
	var evict []*connection
	for id, conn := range n.conns {
		if conn.lastActivity.Before(cutoff) {
			evict = append(evict, conn)
			delete(n.conns, id)
		}
	}
	n.mu.Unlock()

	for _, conn := range evict {
		// Close emits disconnected through the channel's event handler.
		_ = conn.channel.Close()
	}
}
