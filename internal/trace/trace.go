// Package trace provides the correlation context that threads a single
// trace identifier through every hop of a logical operation: webhook
// dispatch, scheduler fires, mesh routing, and peer messaging all log and
// send under the same id.
package trace

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Source identifies the entry point that started a logical operation.
type Source string

const (
	SourceWeb       Source = "web"
	SourceChat      Source = "chat"
	SourceAgent     Source = "agent"
	SourceScheduler Source = "scheduler"
	SourceWebhook   Source = "webhook"
	SourceWorkflow  Source = "workflow"
	SourceCouncil   Source = "council"
	SourcePolling   Source = "polling"
)

// Context is the correlation identity of one logical operation.
// TraceID is 128 bits rendered as 32 lowercase hex characters.
// Once assigned it is never rewritten; nested operations record the
// previous ambient id as ParentID instead.
type Context struct {
	TraceID   string
	ParentID  string
	Timestamp time.Time
	Source    Source
}

type ctxKey struct{}

// NewTraceID returns 128 bits of CSPRNG output as 32 lowercase hex.
func NewTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// With returns a context carrying tc as the ambient correlation context.
func With(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the ambient correlation context, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// TraceIDFromContext returns the ambient trace id, or "" when none is set.
func TraceIDFromContext(ctx context.Context) string {
	tc, _ := FromContext(ctx)
	return tc.TraceID
}

// NewEventContext builds the correlation context for a new logical
// operation entering through source. Priority: an explicitly supplied
// existingID wins, then the ambient id already on ctx, then a fresh id.
// ParentID is the previous ambient id when it differs from the chosen one.
func NewEventContext(ctx context.Context, source Source, existingID string) Context {
	prev, _ := FromContext(ctx)

	id := existingID
	if id == "" {
		id = prev.TraceID
	}
	if id == "" {
		id = NewTraceID()
	}

	tc := Context{
		TraceID:   id,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
	if prev.TraceID != "" && prev.TraceID != id {
		tc.ParentID = prev.TraceID
	}
	return tc
}

// RunWith executes fn with tc as the ambient correlation context.
// Context immutability gives the shadow-and-restore semantics for free:
// the caller's ctx is untouched when fn returns, and concurrent RunWith
// calls cannot leak values into each other.
func RunWith(ctx context.Context, tc Context, fn func(ctx context.Context) error) error {
	return fn(With(ctx, tc))
}

// Logger returns a logger that stamps every record with the ambient
// trace id. All log lines produced inside RunWith must go through this.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	l := slog.Default().With("trace_id", tc.TraceID)
	if tc.ParentID != "" {
		l = l.With("parent_id", tc.ParentID)
	}
	return l
}
