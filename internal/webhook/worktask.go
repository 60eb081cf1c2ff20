package webhook

import "context"

// WorkTaskRequest describes a tracked work item opened from an external
// event. Source is always "webhook" here; SourceID is the delivery id.
type WorkTaskRequest struct {
	ProjectID   string
	AgentID     string
	Title       string
	Description string
	Source      string
	SourceID    string
	SourceURL   string
	Prompt      string
}

// WorkTask is the created work item. SessionID is set when the service
// started a session for it immediately.
type WorkTask struct {
	ID        string
	SessionID string
}

// WorkTaskService is the collaborator that owns work items. The
// dispatcher only hands off; tracking, assignment, and completion live
// behind this interface.
type WorkTaskService interface {
	CreateWorkTask(ctx context.Context, req WorkTaskRequest) (*WorkTask, error)
}
