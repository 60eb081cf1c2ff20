package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/process"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

func jsonRaw(s string) json.RawMessage { return json.RawMessage(s) }

type fakeManager struct {
	mu      sync.Mutex
	started []*store.Session
	prompts []string
	err     error
}

func (f *fakeManager) StartProcess(ctx context.Context, session *store.Session, prompt string, opts process.StartOptions) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, session)
	f.prompts = append(f.prompts, prompt)
	return nil
}

func (f *fakeManager) Subscribe(sessionID string, cb process.Callback) func() { return func() {} }
func (f *fakeManager) IsRunning(sessionID string) bool                        { return false }
func (f *fakeManager) ActiveSessionIDs() []string                             { return nil }
func (f *fakeManager) StopProcess(ctx context.Context, sessionID string) error {
	return nil
}

type fakeWorkTasks struct {
	mu       sync.Mutex
	requests []WorkTaskRequest
	err      error
}

func (f *fakeWorkTasks) CreateWorkTask(ctx context.Context, req WorkTaskRequest) (*WorkTask, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &WorkTask{ID: fmt.Sprintf("wt-%d", len(f.requests)), SessionID: "wt-session"}, nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	mem        *store.MemoryStores
	manager    *fakeManager
	worktasks  *fakeWorkTasks
	clock      time.Time
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	mem, stores := store.NewMemoryStores()
	mem.PutAgent(&store.Agent{ID: "agent-1", Name: "bot", Active: true})
	mem.PutRegistration(&store.Registration{
		ID:          "reg-1",
		AgentID:     "agent-1",
		Repo:        "acme/api",
		Events:      []string{"issue_comment", "issue_comment_pr", "issues"},
		MentionUser: "bot",
		ProjectID:   "proj-1",
		Status:      store.RegistrationActive,
	})

	manager := &fakeManager{}
	worktasks := &fakeWorkTasks{}
	f := &dispatcherFixture{
		dispatcher: NewDispatcher(stores, manager, worktasks, nil, nil, DispatcherOptions{}),
		mem:        mem,
		manager:    manager,
		worktasks:  worktasks,
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.dispatcher.now = func() time.Time { return f.clock }
	return f
}

func commentPayload(repo, author, body string) []byte {
	p := map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": repo},
		"issue": map[string]any{
			"number":   42,
			"title":    "Login broken",
			"html_url": "https://github.com/" + repo + "/issues/42",
			"user":     map[string]any{"login": "reporter"},
		},
		"comment": map[string]any{
			"body":     body,
			"html_url": "https://github.com/" + repo + "/issues/42#issuecomment-1",
			"user":     map[string]any{"login": author},
		},
		"sender": map[string]any{"login": author},
	}
	raw, _ := json.Marshal(p)
	return raw
}

func TestProcess_MentionStartsSession(t *testing.T) {
	f := newDispatcherFixture(t)

	body := commentPayload("acme/api", "alice", "@bot what does this stack trace mean?")
	sum, err := f.dispatcher.Process(context.Background(), "issue_comment", body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Processed != 1 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v, want 1 processed", sum)
	}
	if len(f.manager.started) != 1 {
		t.Fatalf("started sessions = %d, want 1", len(f.manager.started))
	}
	session := f.manager.started[0]
	if session.AgentID != "agent-1" || session.Source != "webhook" {
		t.Fatalf("session = %+v", session)
	}

	deliveries := f.mem.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	d := deliveries[0]
	if d.Status != store.DeliveryCompleted || d.SessionID != session.ID || d.Result != "session" {
		t.Fatalf("delivery = %+v", d)
	}
}

func TestProcess_WorkIntentCreatesWorkTask(t *testing.T) {
	f := newDispatcherFixture(t)

	body := commentPayload("acme/api", "alice", "@bot please fix the login bug")
	sum, err := f.dispatcher.Process(context.Background(), "issue_comment", body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Processed != 1 {
		t.Fatalf("summary = %+v, want 1 processed", sum)
	}
	if len(f.worktasks.requests) != 1 {
		t.Fatalf("work tasks = %d, want 1", len(f.worktasks.requests))
	}
	req := f.worktasks.requests[0]
	if !strings.HasPrefix(req.Description, "GitHub webhook: @bot please fix") {
		t.Fatalf("description = %q, want GitHub webhook prefix", req.Description)
	}
	if len(f.manager.started) != 0 {
		t.Fatal("work-task dispatch also started a plain session")
	}

	deliveries := f.mem.Deliveries()
	if len(deliveries) != 1 || deliveries[0].WorkTaskID == "" || deliveries[0].Result != "work_task" {
		t.Fatalf("delivery = %+v", deliveries)
	}
}

func TestProcess_PromptCarriesContext(t *testing.T) {
	f := newDispatcherFixture(t)

	body := commentPayload("acme/api", "alice", "@bot take a look at this")
	if _, err := f.dispatcher.Process(context.Background(), "issue_comment", body); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.manager.prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(f.manager.prompts))
	}
	prompt := f.manager.prompts[0]
	for _, want := range []string{
		"**Repository:** acme/api",
		"#42",
		"@alice",
		"```\n@bot take a look at this\n```",
		"## Instructions",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestProcess_SelfMentionSkipped(t *testing.T) {
	f := newDispatcherFixture(t)

	body := commentPayload("acme/api", "bot", "done, @bot will follow up")
	sum, err := f.dispatcher.Process(context.Background(), "issue_comment", body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Processed != 0 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 skipped", sum)
	}
	if len(f.mem.Deliveries()) != 0 {
		t.Fatal("self-mention wrote a delivery record")
	}
	if len(f.manager.started) != 0 {
		t.Fatal("self-mention started a session")
	}
}

func TestProcess_NoMentionSkipped(t *testing.T) {
	f := newDispatcherFixture(t)

	body := commentPayload("acme/api", "alice", "unrelated chatter")
	sum, err := f.dispatcher.Process(context.Background(), "issue_comment", body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Processed != 0 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 skipped", sum)
	}
}

func TestProcess_UnsubscribedEventSkipped(t *testing.T) {
	f := newDispatcherFixture(t)

	p := map[string]any{
		"action":     "opened",
		"repository": map[string]any{"full_name": "acme/api"},
		"pull_request": map[string]any{
			"number": 7, "title": "Refactor", "html_url": "https://github.com/acme/api/pull/7",
		},
		"comment": map[string]any{
			"body": "@bot review please",
			"user": map[string]any{"login": "alice"},
		},
	}
	raw, _ := json.Marshal(p)
	sum, err := f.dispatcher.Process(context.Background(), "pull_request_review_comment", raw)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Processed != 0 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want skip for unsubscribed event kind", sum)
	}
}

func TestProcess_RateLimitedWithinInterval(t *testing.T) {
	f := newDispatcherFixture(t)
	body := commentPayload("acme/api", "alice", "@bot ping")

	if _, err := f.dispatcher.Process(context.Background(), "issue_comment", body); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	f.clock = f.clock.Add(30 * time.Second)
	sum, err := f.dispatcher.Process(context.Background(), "issue_comment", body)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if sum.Processed != 0 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want rate-limit skip", sum)
	}

	// After the interval elapses the registration may fire again.
	f.clock = f.clock.Add(31 * time.Second)
	sum, err = f.dispatcher.Process(context.Background(), "issue_comment", body)
	if err != nil {
		t.Fatalf("third Process: %v", err)
	}
	if sum.Processed != 1 {
		t.Fatalf("summary = %+v, want dispatch after interval", sum)
	}
}

func TestProcess_MissingAgentFailsDelivery(t *testing.T) {
	f := newDispatcherFixture(t)
	f.mem.PutRegistration(&store.Registration{
		ID:          "reg-2",
		AgentID:     "ghost",
		Repo:        "acme/web",
		Events:      []string{"issue_comment"},
		MentionUser: "helper",
		Status:      store.RegistrationActive,
	})

	body := commentPayload("acme/web", "alice", "@helper can you check")
	sum, err := f.dispatcher.Process(context.Background(), "issue_comment", body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Processed != 0 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	deliveries := f.mem.Deliveries()
	if len(deliveries) != 1 || deliveries[0].Status != store.DeliveryFailed {
		t.Fatalf("deliveries = %+v, want one failed", deliveries)
	}
}

func TestProcess_IgnoredEventName(t *testing.T) {
	f := newDispatcherFixture(t)

	body := commentPayload("acme/api", "alice", "@bot hi")
	sum, err := f.dispatcher.Process(context.Background(), "push", body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Processed != 0 || len(f.mem.Deliveries()) != 0 {
		t.Fatalf("ignored event reached the store: %+v", sum)
	}
}

func TestProcess_AnnouncesDeliveryOnBus(t *testing.T) {
	f := newDispatcherFixture(t)
	mb := bus.NewMemoryBus()
	t.Cleanup(func() { mb.Close() })
	f.dispatcher.events = mb

	var mu sync.Mutex
	var payloads [][]byte
	sub, err := mb.Subscribe(context.Background(), DeliveryTopic, func(payload []byte) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(sub.Unsubscribe)

	body := commentPayload("acme/api", "alice", "@bot hello")
	if _, err := f.dispatcher.Process(context.Background(), "issue_comment", body); err != nil {
		t.Fatalf("Process: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(payloads)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery announcements = %d, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var ev map[string]string
	mu.Lock()
	raw := payloads[0]
	mu.Unlock()
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decoding announcement: %v", err)
	}
	if ev["repo"] != "acme/api" || ev["event"] != "issue_comment" || ev["delivery_id"] == "" {
		t.Fatalf("announcement = %+v", ev)
	}
}

func TestProcess_TriggerCountIncremented(t *testing.T) {
	f := newDispatcherFixture(t)

	body := commentPayload("acme/api", "alice", "@bot hello")
	if _, err := f.dispatcher.Process(context.Background(), "issue_comment", body); err != nil {
		t.Fatalf("Process: %v", err)
	}
	regs, _ := f.mem.FindRegistrationsForRepo(context.Background(), "acme/api")
	if len(regs) != 1 || regs[0].TriggerCount != 1 {
		t.Fatalf("registrations = %+v, want trigger count 1", regs)
	}
}
