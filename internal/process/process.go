// Package process defines the contract to the agent execution
// collaborator: given a session and a prompt, it runs the agent and
// emits a stream of typed events. The core only drives it.
package process

import (
	"context"

	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// Event types emitted by a running session.
const (
	EventAssistant     = "assistant"      // streaming content fragment
	EventAssistantDone = "assistant_done" // terminal marker for a streamed response
	EventToolUse       = "tool_use"
	EventSessionExited = "session_exited"
)

// Event is one item of a session's event stream. The stream is finite
// and non-restartable; it terminates with a session_exited event.
type Event struct {
	Type      string
	SessionID string
	Content   string
	ToolName  string
	ExitCode  int
}

// StartOptions tunes a process start.
type StartOptions struct {
	// SchedulerMode marks runs started by the scheduler so the manager
	// can apply its non-interactive policy.
	SchedulerMode bool
}

// Callback receives session events. Callbacks must not block.
type Callback func(Event)

// Manager is the process-manager collaborator contract.
type Manager interface {
	// StartProcess begins executing the agent bound to session with the
	// given prompt. It returns once the session is running; the work
	// itself is asynchronous.
	StartProcess(ctx context.Context, session *store.Session, prompt string, opts StartOptions) error

	// Subscribe registers a callback for one session's events. The
	// returned unsubscribe handle is idempotent.
	Subscribe(sessionID string, cb Callback) (unsubscribe func())

	// IsRunning reports whether the session is still executing.
	IsRunning(sessionID string) bool

	// ActiveSessionIDs lists the sessions currently executing.
	ActiveSessionIDs() []string

	// StopProcess terminates a running session.
	StopProcess(ctx context.Context, sessionID string) error
}
