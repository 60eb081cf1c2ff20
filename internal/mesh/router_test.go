package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/directory"
	"github.com/nextlevelbuilder/agentmesh/internal/guard"
	"github.com/nextlevelbuilder/agentmesh/internal/peer"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

type fakeBusTransport struct {
	reachable bool
	err       error
	sent      int
}

func (f *fakeBusTransport) Send(ctx context.Context, from, to string, content json.RawMessage, threadID string) error {
	if f.err != nil {
		return f.err
	}
	f.sent++
	return nil
}

func (f *fakeBusTransport) Reachable(ctx context.Context) bool { return f.reachable }

type fakeLocal struct {
	err  error
	sent int
}

func (f *fakeLocal) Dispatch(ctx context.Context, from, to string, content json.RawMessage, threadID string) error {
	if f.err != nil {
		return f.err
	}
	f.sent++
	return nil
}

type routerFixture struct {
	router *Router
	node   *peer.Node
	busT   *fakeBusTransport
	local  *fakeLocal
	mem    *store.MemoryStores
	guard  *guard.Guard
}

func newFixture(t *testing.T, dir directory.Directory, withPeer bool) *routerFixture {
	t.Helper()
	mb := bus.NewMemoryBus()
	t.Cleanup(func() { mb.Close() })

	var node *peer.Node
	if withPeer {
		node = peer.NewNode("alice", mb, dir, peer.NodeOptions{Channel: peer.ChannelOptions{MaxTokens: 100, RefillRate: 100}}, nil)
		t.Cleanup(func() { node.Close() })
		// A live remote end so direct delivery succeeds.
		remote := peer.NewNode("bob", mb, dir, peer.NodeOptions{}, nil)
		t.Cleanup(func() { remote.Close() })
		if err := remote.ConnectTo(context.Background(), "alice"); err != nil {
			t.Fatalf("remote connect: %v", err)
		}
	}

	mem, stores := store.NewMemoryStores()
	g := guard.New(guard.Options{RateLimitPerWindow: 1000}, nil)
	t.Cleanup(g.Close)

	busT := &fakeBusTransport{reachable: true}
	local := &fakeLocal{}
	return &routerFixture{
		router: NewRouter(node, busT, local, dir, stores.Messages, g, nil),
		node:   node,
		busT:   busT,
		local:  local,
		mem:    mem,
		guard:  g,
	}
}

func healthyDir() *directory.Static {
	return &directory.Static{
		Agents: []directory.AgentInfo{{ID: "alice"}, {ID: "bob"}},
		Status: directory.Health{TotalNodes: 3},
	}
}

func request() Request {
	return Request{From: "alice", To: "bob", Content: json.RawMessage(`{"q":"hi"}`), ThreadID: "t1", Pref: PrefAuto}
}

func TestSend_AutoPicksDirectWhenHealthy(t *testing.T) {
	f := newFixture(t, healthyDir(), true)

	res, err := f.router.Send(context.Background(), request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Route != RouteDirect || !res.Delivered {
		t.Fatalf("result = %+v, want delivered via direct", res)
	}
	if f.busT.sent != 0 || f.local.sent != 0 {
		t.Fatal("fallback transports were used despite direct success")
	}
}

func TestSend_AutoPicksBusOnPartition(t *testing.T) {
	dir := &directory.Static{
		Agents: []directory.AgentInfo{{ID: "bob"}},
		Status: directory.Health{TotalNodes: 3, PartitionDetected: true},
	}
	f := newFixture(t, dir, true)

	res, err := f.router.Send(context.Background(), request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Route != RouteBus {
		t.Fatalf("route = %s, want bus when partitioned", res.Route)
	}
}

func TestSend_AutoPicksBusWhenTargetUnknown(t *testing.T) {
	dir := &directory.Static{Agents: []directory.AgentInfo{{ID: "alice"}}, Status: directory.Health{TotalNodes: 3}}
	f := newFixture(t, dir, true)

	res, err := f.router.Send(context.Background(), request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Route != RouteBus {
		t.Fatalf("route = %s, want bus for an undirectoried target", res.Route)
	}
}

func TestSend_AutoPicksLocalWhenBusUnreachable(t *testing.T) {
	dir := &directory.Static{Status: directory.Health{TotalNodes: 1}}
	f := newFixture(t, dir, false)
	f.busT.reachable = false

	res, err := f.router.Send(context.Background(), request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Route != RouteLocal {
		t.Fatalf("route = %s, want local", res.Route)
	}
}

func TestSend_FallbackNeverGoesBackwards(t *testing.T) {
	// Start at bus (explicit pref); bus fails; must fall to local, not
	// back to direct.
	f := newFixture(t, healthyDir(), true)
	f.busT.err = errors.New("bus down")

	req := request()
	req.Pref = PrefBus
	res, err := f.router.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Route != RouteLocal {
		t.Fatalf("route = %s, want local after bus failure", res.Route)
	}
}

func TestSend_RecordWrittenBeforeTransportAndUpdatedAfter(t *testing.T) {
	f := newFixture(t, healthyDir(), true)

	res, err := f.router.Send(context.Background(), request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := f.mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("message records = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != res.MessageID || m.Status != store.MessageSent || m.Route != string(RouteDirect) {
		t.Fatalf("record = %+v", m)
	}
}

func TestSend_AllRoutesFailMarksFailed(t *testing.T) {
	dir := &directory.Static{Status: directory.Health{TotalNodes: 1}}
	f := newFixture(t, dir, false)
	f.busT.reachable = false
	f.local.err = errors.New("no process manager")

	_, err := f.router.Send(context.Background(), request())
	if err == nil {
		t.Fatal("Send succeeded with every route failing")
	}
	msgs := f.mem.Messages()
	if len(msgs) != 1 || msgs[0].Status != store.MessageFailed {
		t.Fatalf("records = %+v, want one failed", msgs)
	}
}

func TestSend_GuardRejectionSkipsTransportAndRecord(t *testing.T) {
	f := newFixture(t, healthyDir(), true)

	// Open the breaker for bob.
	for i := 0; i < 5; i++ {
		f.guard.RecordFailure("bob")
	}

	_, err := f.router.Send(context.Background(), request())
	var rej *guard.RejectedError
	if !errors.As(err, &rej) || rej.Reason != guard.ReasonCircuitOpen {
		t.Fatalf("err = %v, want guard CIRCUIT_OPEN rejection", err)
	}
	if n := len(f.mem.Messages()); n != 0 {
		t.Fatalf("rejected send wrote %d message records", n)
	}
	if f.busT.sent != 0 || f.local.sent != 0 {
		t.Fatal("rejected send reached a transport")
	}
}

func TestBusMessenger_ReachabilityCache(t *testing.T) {
	mb := bus.NewMemoryBus()
	m := NewBusMessenger(mb)
	if !m.Reachable(context.Background()) {
		t.Fatal("open bus reported unreachable")
	}
	mb.Close()
	// Freshness window: the cached ping keeps it reachable briefly.
	if !m.Reachable(context.Background()) {
		t.Fatal("reachability cache expired immediately")
	}
	m.mu.Lock()
	m.lastPingOK = time.Time{}
	m.mu.Unlock()
	if m.Reachable(context.Background()) {
		t.Fatal("closed bus reported reachable after cache expiry")
	}
}
