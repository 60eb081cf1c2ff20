package webhook

import (
	"fmt"
	"strings"
)

// promptInstructions is the fixed trailer appended to every composed
// prompt. It tells the agent how to respond to the originating thread.
const promptInstructions = `## Instructions

You were mentioned in the GitHub activity above.

1. Use the GitHub chat CLI to post your reply on the originating issue
   or pull request.
2. If the request asks for a code change, create a work task with the
   work-task tool instead of editing directly from this session.
3. Always leave a reply so the person who mentioned you is notified,
   even if you only explain why nothing was done.`

// ComposePrompt builds the initial session prompt for a matched event.
// Every variant carries the repository, the thread reference, the
// author, a link, and the triggering text fenced as-is.
func ComposePrompt(kind EventKind, p *Payload) string {
	var b strings.Builder

	switch kind {
	case KindIssueComment:
		fmt.Fprintf(&b, "## New comment on issue #%d: %s\n\n", issueNumber(p), issueTitle(p))
	case KindIssueCommentPR:
		fmt.Fprintf(&b, "## New comment on pull request #%d: %s\n\n", issueNumber(p), issueTitle(p))
	case KindIssues:
		fmt.Fprintf(&b, "## Issue %s #%d: %s\n\n", p.Action, issueNumber(p), issueTitle(p))
	case KindPRReviewComment:
		num, title := 0, ""
		if p.PullRequest != nil {
			num, title = p.PullRequest.Number, p.PullRequest.Title
		}
		fmt.Fprintf(&b, "## New review comment on pull request #%d: %s\n\n", num, title)
	}

	fmt.Fprintf(&b, "**Repository:** %s\n", p.Repository.FullName)
	if author := Author(kind, p); author != "" {
		fmt.Fprintf(&b, "**Author:** @%s\n", author)
	}
	if url := eventURL(kind, p); url != "" {
		fmt.Fprintf(&b, "**Link:** %s\n", url)
	}
	if kind == KindIssues && p.Issue != nil && len(p.Issue.Labels) > 0 {
		names := make([]string, len(p.Issue.Labels))
		for i, l := range p.Issue.Labels {
			names[i] = l.Name
		}
		fmt.Fprintf(&b, "**Labels:** %s\n", strings.Join(names, ", "))
	}

	body := MentionBody(kind, p)
	fmt.Fprintf(&b, "\n```\n%s\n```\n\n", body)
	b.WriteString(promptInstructions)
	return b.String()
}

func issueNumber(p *Payload) int {
	if p.Issue != nil {
		return p.Issue.Number
	}
	return 0
}

func issueTitle(p *Payload) string {
	if p.Issue != nil {
		return p.Issue.Title
	}
	return ""
}

func eventURL(kind EventKind, p *Payload) string {
	switch kind {
	case KindIssueComment, KindIssueCommentPR, KindPRReviewComment:
		if p.Comment != nil {
			return p.Comment.HTMLURL
		}
	case KindIssues:
		if p.Issue != nil {
			return p.Issue.HTMLURL
		}
	}
	return ""
}
