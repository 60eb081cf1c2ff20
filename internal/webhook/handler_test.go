package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// spyRegistrations counts store lookups so tests can prove a rejected
// request never touched the store.
type spyRegistrations struct {
	store.RegistrationStore
	calls atomic.Int64
}

func (s *spyRegistrations) FindRegistrationsForRepo(ctx context.Context, repo string) ([]store.Registration, error) {
	s.calls.Add(1)
	return s.RegistrationStore.FindRegistrationsForRepo(ctx, repo)
}

func newHandlerFixture(t *testing.T) (*Handler, *spyRegistrations, *store.MemoryStores) {
	t.Helper()
	mem, stores := store.NewMemoryStores()
	spy := &spyRegistrations{RegistrationStore: stores.Registrations}
	stores.Registrations = spy

	mem.PutAgent(&store.Agent{ID: "agent-1", Active: true})
	mem.PutRegistration(&store.Registration{
		ID:          "reg-1",
		AgentID:     "agent-1",
		Repo:        "acme/api",
		Events:      []string{"issue_comment"},
		MentionUser: "bot",
		Status:      store.RegistrationActive,
	})

	d := NewDispatcher(stores, &fakeManager{}, nil, nil, nil, DispatcherOptions{})
	return NewHandler("s3cret", d, nil), spy, mem
}

func post(t *testing.T, h *Handler, body []byte, event, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_ValidRequest(t *testing.T) {
	h, _, mem := newHandlerFixture(t)
	body := commentPayload("acme/api", "alice", "@bot hello")

	rr := post(t, h, body, "issue_comment", sign("s3cret", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var sum Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if sum.Processed != 1 {
		t.Fatalf("summary = %+v, want 1 processed", sum)
	}
	if len(mem.Deliveries()) != 1 {
		t.Fatal("no delivery recorded")
	}
}

func TestHandler_BadSignatureShortCircuits(t *testing.T) {
	h, spy, mem := newHandlerFixture(t)
	body := commentPayload("acme/api", "alice", "@bot hello")

	rr := post(t, h, body, "issue_comment", sign("wrong", body))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if n := spy.calls.Load(); n != 0 {
		t.Fatalf("store was queried %d times for an unverified payload", n)
	}
	if len(mem.Deliveries()) != 0 {
		t.Fatal("unverified payload wrote a delivery")
	}
}

func TestHandler_MissingSignature(t *testing.T) {
	h, spy, _ := newHandlerFixture(t)
	body := commentPayload("acme/api", "alice", "@bot hello")

	rr := post(t, h, body, "issue_comment", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if spy.calls.Load() != 0 {
		t.Fatal("store queried despite missing signature")
	}
}

func TestHandler_MalformedPayload(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	body := []byte(`{"not json`)

	rr := post(t, h, body, "issue_comment", sign("s3cret", body))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandler_OversizedPayload(t *testing.T) {
	h, spy, _ := newHandlerFixture(t)
	body := bytes.Repeat([]byte("a"), maxPayloadBytes+1)

	rr := post(t, h, body, "issue_comment", sign("s3cret", body))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
	if spy.calls.Load() != 0 {
		t.Fatal("store queried for an oversized payload")
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}
