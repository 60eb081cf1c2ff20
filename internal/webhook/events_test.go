package webhook

import "testing"

func TestContainsMention(t *testing.T) {
	tests := []struct {
		name string
		body string
		user string
		want bool
	}{
		{"plain mention", "hey @bot can you look", "bot", true},
		{"start of body", "@bot please fix this", "bot", true},
		{"end of body", "over to you @bot", "bot", true},
		{"case insensitive", "Hey @Bot", "bot", true},
		{"longer login no match", "cc @botanist", "bot", false},
		{"prefix of longer login", "cc @my-bot", "bot", false},
		{"email address no match", "mail bot@example.com", "bot", false},
		{"no mention", "nothing here", "bot", false},
		{"empty body", "", "bot", false},
		{"empty user", "@bot hi", "", false},
		{"punctuation after", "thanks @bot!", "bot", true},
		{"hyphenated login", "ping @ci-bot please", "ci-bot", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsMention(tt.body, tt.user); got != tt.want {
				t.Errorf("ContainsMention(%q, %q) = %v, want %v", tt.body, tt.user, got, tt.want)
			}
		})
	}
}

func TestMentionPattern_CachedPerUser(t *testing.T) {
	if mentionPattern("bot") != mentionPattern("bot") {
		t.Fatal("repeated lookups recompiled the pattern")
	}
	if mentionPattern("bot") == mentionPattern("other") {
		t.Fatal("distinct users shared a pattern")
	}
}

func TestDetectWorkMode(t *testing.T) {
	tests := []struct {
		body string
		want WorkMode
	}{
		{"@bot please fix the login bug", ModeWorkTask},
		{"can you fix this flaky test", ModeWorkTask},
		{"@bot implement this for me", ModeWorkTask},
		{"could you open a PR with the change", ModeWorkTask},
		{"make these changes to the config", ModeWorkTask},
		{"what does this error mean?", ModeSession},
		{"thanks for the fix yesterday", ModeSession},
		{"@bot summarize this thread", ModeSession},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			if got := DetectWorkMode(tt.body); got != tt.want {
				t.Errorf("DetectWorkMode(%q) = %s, want %s", tt.body, got, tt.want)
			}
		})
	}
}

func TestMapEvent(t *testing.T) {
	pr := jsonRaw(`{}`)
	tests := []struct {
		name    string
		event   string
		payload *Payload
		want    EventKind
		ok      bool
	}{
		{"issue comment", "issue_comment", &Payload{Issue: &Issue{}}, KindIssueComment, true},
		{"pr comment", "issue_comment", &Payload{Issue: &Issue{PullRequest: &pr}}, KindIssueCommentPR, true},
		{"issues", "issues", &Payload{}, KindIssues, true},
		{"review comment", "pull_request_review_comment", &Payload{}, KindPRReviewComment, true},
		{"push dropped", "push", &Payload{}, "", false},
		{"star dropped", "star", &Payload{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MapEvent(tt.event, tt.payload)
			if got != tt.want || ok != tt.ok {
				t.Errorf("MapEvent(%q) = (%s, %v), want (%s, %v)", tt.event, got, ok, tt.want, tt.ok)
			}
		})
	}
}
