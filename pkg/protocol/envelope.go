// Package protocol defines the wire format carried on the peer-channel
// pub/sub topics: message envelopes, acknowledgements, and the
// deterministic topic/channel naming both ends converge on.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ack statuses.
const (
	AckReceived  = "received"
	AckProcessed = "processed"
	AckError     = "error"
)

// Envelope is one peer-to-peer message on a messages-to-{agent} topic.
// Content is arbitrary JSON owned by the agents.
type Envelope struct {
	ID         string          `json:"id"`
	FromAgent  string          `json:"fromAgent"`
	ToAgent    string          `json:"toAgent"`
	Content    json.RawMessage `json:"content"`
	ThreadID   string          `json:"threadId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RequireAck bool            `json:"acknowledgementRequired,omitempty"`
	ReplyTo    string          `json:"replyTo,omitempty"`
}

// Ack acknowledges one envelope on an acks-to-{agent} topic.
type Ack struct {
	MessageID string    `json:"messageId"`
	FromAgent string    `json:"fromAgent"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Validate checks the fields a receiver must not process without.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("envelope missing id")
	case e.FromAgent == "":
		return fmt.Errorf("envelope missing fromAgent")
	case e.ToAgent == "":
		return fmt.Errorf("envelope missing toAgent")
	}
	return nil
}

// ChannelID derives the deterministic channel identifier for a pair of
// agents: the lexicographically sorted pair, so both establishers agree.
func ChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("chan-%s-%s", a, b)
}

// MessageTopic is the inbound-message topic for an agent.
func MessageTopic(agentID string) string {
	return "messages-to-" + agentID
}

// AckTopic is the inbound-ack topic for an agent.
func AckTopic(agentID string) string {
	return "acks-to-" + agentID
}
