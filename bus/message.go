// Package bus implements the durable, multi-reader, single-writer-per-agent
// message store (spec.md §4.3): connect, send, receive, heartbeat,
// list_agents, and all_messages, persisted through the Atomic Store so a
// crash mid-send never corrupts the log.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/vocabulary"
)

// Message is the bus's wire format: {id, type, from, to, payload,
// timestamp}. Payload is intentionally typed per message kind rather than
// a free-form map — design note "Dynamic attribute handling" — so a
// malformed payload is a validation error at send, not a silent skip at
// receive.
type Message struct {
	ID        string              `json:"id"`
	Type      vocabulary.MessageType `json:"type"`
	From      string              `json:"from"`
	To        string              `json:"to"`
	Payload   Payload             `json:"payload,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Payload is the closed set of typed message bodies, one field per message
// kind. Nothing checks that the populated field matches the Message's Type:
// Send validates a Question or Answer payload whenever one is present,
// whatever the Type.
type Payload struct {
	Question *QuestionPayload  `json:"question,omitempty"`
	Answer   *AnswerPayload    `json:"answer,omitempty"`
	Proposal *contract.Proposal `json:"proposal,omitempty"`
	Draft    *DraftReadyPayload `json:"draft,omitempty"`
	Verdict  *VerdictPayload   `json:"verdict,omitempty"`
	Raw      map[string]any    `json:"raw,omitempty"`
}

// DraftReadyPayload announces that a submission is waiting in the sandbox
// for the Gate to decide on, per spec.md §4.6. TaskID identifies the
// submission; the originating agent is the message's From field.
type DraftReadyPayload struct {
	TaskID string `json:"task_id"`
}

// VerdictPayload carries a judge verdict reached outside the broker (a
// human reviewer, or a judge agent posting its own result straight to the
// bus instead of going through broker.Judge).
type VerdictPayload struct {
	TaskID  string            `json:"task_id"`
	Verdict vocabulary.Verdict `json:"verdict"`
	Report  string            `json:"report,omitempty"`
}

// QuestionPayload carries a closed-ended question. Invariant: 2 <=
// len(Options) <= 4 — open-ended questions are not representable.
type QuestionPayload struct {
	QuestionID string   `json:"question_id"`
	Prompt     string   `json:"prompt,omitempty"`
	Options    []string `json:"options"`
}

// AnswerPayload selects one option of a previously-sent QuestionPayload by
// index. SelectedOption is bounds-checked against the referenced question
// at send time, not at read time.
type AnswerPayload struct {
	QuestionID     string `json:"question_id"`
	SelectedOption int    `json:"selected_option"`
}

// Heartbeat is an agent's latest liveness report. Only the newest per agent
// is retained (last-write-wins).
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Progress  string    `json:"progress"`
	TaskID    string    `json:"task_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// newMessageID generates a UUID message id, grounded on google/uuid as used
// for entity ids throughout the teacher corpus.
func newMessageID() string {
	return uuid.New().String()
}
