package webhook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// EventKind is the normalized event type registrations subscribe to.
type EventKind string

const (
	KindIssueComment    EventKind = "issue_comment"
	KindIssueCommentPR  EventKind = "issue_comment_pr"
	KindIssues          EventKind = "issues"
	KindPRReviewComment EventKind = "pull_request_review_comment"
)

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
}

// Issue is the issue (or PR-as-issue) section of a payload. PullRequest
// is non-nil exactly when the issue is actually a pull request.
type Issue struct {
	Number      int              `json:"number"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	HTMLURL     string           `json:"html_url"`
	User        *User            `json:"user"`
	Labels      []Label          `json:"labels"`
	PullRequest *json.RawMessage `json:"pull_request"`
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// Comment is an issue or review comment.
type Comment struct {
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    *User  `json:"user"`
}

// PullRequest is the pull_request section of a review-comment payload.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
}

// Payload is the subset of a GitHub webhook body the dispatcher reads.
type Payload struct {
	Action      string       `json:"action"`
	Repository  Repository   `json:"repository"`
	Issue       *Issue       `json:"issue"`
	Comment     *Comment     `json:"comment"`
	PullRequest *PullRequest `json:"pull_request"`
	Sender      *User        `json:"sender"`
}

// Repository identifies the repo the event came from.
type Repository struct {
	FullName string `json:"full_name"`
}

// ErrMalformedPayload is returned when the body is not valid JSON or
// lacks the repository section.
var ErrMalformedPayload = fmt.Errorf("malformed payload")

// ParsePayload decodes and minimally validates a webhook body.
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Repository.FullName == "" {
		return nil, fmt.Errorf("%w: missing repository", ErrMalformedPayload)
	}
	return &p, nil
}

// MapEvent maps an X-GitHub-Event name plus payload to the normalized
// kind. The second return is false for events the dispatcher drops.
func MapEvent(eventName string, p *Payload) (EventKind, bool) {
	switch eventName {
	case "issue_comment":
		if p.Issue != nil && p.Issue.PullRequest != nil {
			return KindIssueCommentPR, true
		}
		return KindIssueComment, true
	case "issues":
		return KindIssues, true
	case "pull_request_review_comment":
		return KindPRReviewComment, true
	default:
		return "", false
	}
}

// MentionBody extracts the text to scan for mentions: the comment body
// for comment events, the issue body for issue events.
func MentionBody(kind EventKind, p *Payload) string {
	switch kind {
	case KindIssueComment, KindIssueCommentPR, KindPRReviewComment:
		if p.Comment != nil {
			return p.Comment.Body
		}
	case KindIssues:
		if p.Issue != nil {
			return p.Issue.Body
		}
	}
	return ""
}

// Author returns the login that wrote the mention body.
func Author(kind EventKind, p *Payload) string {
	switch kind {
	case KindIssueComment, KindIssueCommentPR, KindPRReviewComment:
		if p.Comment != nil && p.Comment.User != nil {
			return p.Comment.User.Login
		}
	case KindIssues:
		if p.Issue != nil && p.Issue.User != nil {
			return p.Issue.User.Login
		}
	}
	return ""
}

var (
	mentionMu       sync.Mutex
	mentionPatterns = make(map[string]*regexp.Regexp)
)

// mentionPattern returns the compiled matcher for @user, cached per
// user. The boundaries are stricter than plain non-word on purpose: a
// preceding @ is excluded so addresses like a@bot never trigger, and a
// following - or word character is excluded because GitHub usernames
// may contain hyphens, so @bot must not match inside @bot-staging.
func mentionPattern(user string) *regexp.Regexp {
	mentionMu.Lock()
	defer mentionMu.Unlock()
	re, ok := mentionPatterns[user]
	if !ok {
		re = regexp.MustCompile(`(?i)(^|[^\w@])@` + regexp.QuoteMeta(user) + `($|[^\w-])`)
		mentionPatterns[user] = re
	}
	return re
}

// ContainsMention reports whether body mentions @user with word
// boundaries on both sides, case-insensitively.
func ContainsMention(body, user string) bool {
	if body == "" || user == "" {
		return false
	}
	return mentionPattern(user).MatchString(body)
}

// WorkMode is the decision between opening a tracked work task and a
// plain conversational session.
type WorkMode string

const (
	ModeWorkTask WorkMode = "work_task"
	ModeSession  WorkMode = "session"
)

// workIntentPatterns are the fixed intent cues that promote a mention to
// a work task.
var workIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bfix (this|the|that)\b`),
	regexp.MustCompile(`(?i)\bimplement this\b`),
	regexp.MustCompile(`(?i)\bplease (fix|implement|add|create|update|refactor)\b`),
	regexp.MustCompile(`(?i)\b(create|open) a pr\b`),
	regexp.MustCompile(`(?i)\bmake (this|the|these) change`),
}

// DetectWorkMode classifies the mention body.
func DetectWorkMode(body string) WorkMode {
	for _, re := range workIntentPatterns {
		if re.MatchString(body) {
			return ModeWorkTask
		}
	}
	return ModeSession
}
