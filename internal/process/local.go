package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/agentmesh/internal/store"
	"github.com/nextlevelbuilder/agentmesh/internal/trace"
)

// LocalManager is an in-process Manager used by the mesh's local route
// in standalone deployments and by tests. The supplied runner produces
// the session's events; a nil runner emits a single non-streaming
// assistant reply followed by session_exited.
type LocalManager struct {
	runner func(ctx context.Context, session *store.Session, prompt string, emit Callback)

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	subs    map[string]map[int]Callback
	nextSub int
}

// NewLocalManager creates a LocalManager with the given runner.
func NewLocalManager(runner func(ctx context.Context, session *store.Session, prompt string, emit Callback)) *LocalManager {
	return &LocalManager{
		runner: runner,
		active: make(map[string]context.CancelFunc),
		subs:   make(map[string]map[int]Callback),
	}
}

// StartProcess implements Manager.
func (m *LocalManager) StartProcess(ctx context.Context, session *store.Session, prompt string, opts StartOptions) error {
	m.mu.Lock()
	if _, running := m.active[session.ID]; running {
		m.mu.Unlock()
		return fmt.Errorf("session %s already running", session.ID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.active[session.ID] = cancel
	m.mu.Unlock()

	trace.Logger(ctx).Info("process started", "session_id", session.ID, "agent_id", session.AgentID, "scheduler_mode", opts.SchedulerMode)

	go func() {
		defer m.finish(session.ID)
		if m.runner != nil {
			m.runner(runCtx, session, prompt, func(ev Event) { m.emit(session.ID, ev) })
		} else {
			m.emit(session.ID, Event{Type: EventAssistant, SessionID: session.ID, Content: "ok"})
		}
		m.emit(session.ID, Event{Type: EventSessionExited, SessionID: session.ID})
	}()
	return nil
}

// Subscribe implements Manager.
func (m *LocalManager) Subscribe(sessionID string, cb Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[int]Callback)
	}
	m.subs[sessionID][id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs := m.subs[sessionID]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(m.subs, sessionID)
				}
			}
		})
	}
}

// IsRunning implements Manager.
func (m *LocalManager) IsRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// ActiveSessionIDs implements Manager.
func (m *LocalManager) ActiveSessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

// StopProcess implements Manager.
func (m *LocalManager) StopProcess(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	cancel, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not running", sessionID)
	}
	cancel()
	return nil
}

func (m *LocalManager) emit(sessionID string, ev Event) {
	m.mu.Lock()
	cbs := make([]Callback, 0, len(m.subs[sessionID]))
	for _, cb := range m.subs[sessionID] {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (m *LocalManager) finish(sessionID string) {
	m.mu.Lock()
	if cancel, ok := m.active[sessionID]; ok {
		cancel()
		delete(m.active, sessionID)
	}
	m.mu.Unlock()
}
