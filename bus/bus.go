package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/floorline/assemblyline/atomicstore"
)

const (
	messagesFile = "messages.ndjson"
	agentsFile   = "agents.json"
	heartbeatsFile = "heartbeats.json"

	// DefaultHeartbeatInterval is the expected cadence a Listener emits
	// heartbeats at, absent configuration (§6 HEARTBEAT_INTERVAL_SECONDS).
	DefaultHeartbeatInterval = 30 * time.Second

	// stallMultiplier is how many missed intervals before an agent is
	// considered stalled (§4.3 "Stall detection").
	stallMultiplier = 3
)

// Bus is the durable message store. All state lives under root, written
// through the Atomic Store: messages.ndjson (append-only, send order per
// sender), agents.json (connect registry), heartbeats.json (last-write-wins
// per agent).
type Bus struct {
	store *atomicstore.Store
	root  string

	mu sync.Mutex
}

// New returns a Bus rooted at root. store should be shared with the rest
// of the process so rotation/retention settings stay consistent.
func New(store *atomicstore.Store, root string) *Bus {
	return &Bus{store: store, root: root}
}

func (b *Bus) path(name string) string {
	if b.root == "" {
		return name
	}
	return b.root + "/" + name
}

// Connect registers agentID. Idempotent: connecting an already-registered
// agent is a no-op.
func (b *Bus) Connect(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	agents, err := b.loadAgents()
	if err != nil {
		return err
	}
	if _, ok := agents[agentID]; ok {
		return nil
	}
	agents[agentID] = time.Now()
	return b.saveAgents(agents)
}

// Send validates and appends message, assigning ID/Timestamp if absent.
// It returns the assigned id on success.
func (b *Bus) Send(msg Message) (string, error) {
	if !msg.Type.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	if msg.To == "" {
		return "", ErrMissingRecipient
	}
	if msg.From == "" {
		return "", ErrMissingSender
	}
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validatePayload(msg); err != nil {
		return "", err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("bus: marshal message: %w", err)
	}
	if err := b.store.Append(b.path(messagesFile), data); err != nil {
		return "", fmt.Errorf("bus: append message: %w", err)
	}
	return msg.ID, nil
}

// validatePayload enforces the question/answer shape rules. Called with
// b.mu held so the question lookup for an ANSWER sees a consistent log.
func (b *Bus) validatePayload(msg Message) error {
	switch {
	case msg.Payload.Question != nil:
		q := msg.Payload.Question
		if len(q.Options) < 2 || len(q.Options) > 4 {
			return fmt.Errorf("%w: got %d", ErrInvalidQuestion, len(q.Options))
		}
	case msg.Payload.Answer != nil:
		a := msg.Payload.Answer
		all, err := b.allMessagesLocked()
		if err != nil {
			return err
		}
		var question *QuestionPayload
		for _, m := range all {
			if m.Payload.Question != nil && m.Payload.Question.QuestionID == a.QuestionID {
				question = m.Payload.Question
			}
		}
		if question == nil {
			return fmt.Errorf("%w: %q", ErrQuestionNotFound, a.QuestionID)
		}
		if a.SelectedOption < 0 || a.SelectedOption >= len(question.Options) {
			return fmt.Errorf("%w: option %d, question %q has %d options", ErrOptionOutOfRange, a.SelectedOption, a.QuestionID, len(question.Options))
		}
	}
	return nil
}

// Receive returns messages addressed to agentID strictly newer than since,
// in send order.
func (b *Bus) Receive(agentID string, since time.Time) ([]Message, error) {
	b.mu.Lock()
	all, err := b.allMessagesLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0)
	for _, m := range all {
		if m.To == agentID && m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AllMessages returns every message ever sent, for operators and stall
// detection.
func (b *Bus) AllMessages() ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allMessagesLocked()
}

func (b *Bus) allMessagesLocked() ([]Message, error) {
	data, err := b.store.Read(b.path(messagesFile))
	if err != nil {
		if atomicstore.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: read messages: %w", err)
	}

	var out []Message
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("bus: corrupt message record: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Heartbeat upserts agentID's heartbeat; last-write-wins.
func (b *Bus) Heartbeat(agentID, progress string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hbs, err := b.loadHeartbeats()
	if err != nil {
		return err
	}
	hbs[agentID] = Heartbeat{AgentID: agentID, Progress: progress, Timestamp: time.Now()}
	return b.saveHeartbeats(hbs)
}

// LastHeartbeat returns agentID's most recent heartbeat, if any.
func (b *Bus) LastHeartbeat(agentID string) (Heartbeat, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hbs, err := b.loadHeartbeats()
	if err != nil {
		return Heartbeat{}, false, err
	}
	hb, ok := hbs[agentID]
	return hb, ok, nil
}

// IsStalled reports whether agentID's last heartbeat is older than
// stallMultiplier times interval, as of now. An agent with no heartbeat on
// record is not considered stalled by this check alone — that is a
// separate "never connected" condition the Listener handles at boot.
func (b *Bus) IsStalled(agentID string, interval time.Duration, now time.Time) (bool, error) {
	hb, ok, err := b.LastHeartbeat(agentID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return now.Sub(hb.Timestamp) > stallMultiplier*interval, nil
}

// ListAgents returns every agent ever connected.
func (b *Bus) ListAgents() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	agents, err := b.loadAgents()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(agents))
	for id := range agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Bus) loadAgents() (map[string]time.Time, error) {
	data, err := b.store.Read(b.path(agentsFile))
	if err != nil {
		if atomicstore.IsNotExist(err) {
			return map[string]time.Time{}, nil
		}
		return nil, fmt.Errorf("bus: read agent registry: %w", err)
	}
	var agents map[string]time.Time
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("bus: corrupt agent registry: %w", err)
	}
	return agents, nil
}

func (b *Bus) saveAgents(agents map[string]time.Time) error {
	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return fmt.Errorf("bus: marshal agent registry: %w", err)
	}
	return b.store.Write(b.path(agentsFile), data)
}

func (b *Bus) loadHeartbeats() (map[string]Heartbeat, error) {
	data, err := b.store.Read(b.path(heartbeatsFile))
	if err != nil {
		if atomicstore.IsNotExist(err) {
			return map[string]Heartbeat{}, nil
		}
		return nil, fmt.Errorf("bus: read heartbeats: %w", err)
	}
	var hbs map[string]Heartbeat
	if err := json.Unmarshal(data, &hbs); err != nil {
		return nil, fmt.Errorf("bus: corrupt heartbeats: %w", err)
	}
	return hbs, nil
}

func (b *Bus) saveHeartbeats(hbs map[string]Heartbeat) error {
	data, err := json.MarshalIndent(hbs, "", "  ")
	if err != nil {
		return fmt.Errorf("bus: marshal heartbeats: %w", err)
	}
	return b.store.Write(b.path(heartbeatsFile), data)
}
