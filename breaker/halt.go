package breaker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/vocabulary"
)

// HaltArtifactName is the filename of the emitted halt document
// (spec.md §6).
const HaltArtifactName = "ERIK_HALT.md"

// Recorder observes breaker trips for the metrics package, without the
// breaker package depending on it directly — only the narrow capability it
// needs (design note "Dynamic attribute handling" applied to observability
// instead of payloads).
type Recorder interface {
	RecordBreakerTrip(trigger vocabulary.BreakerTrigger)
}

// Engine runs trigger evaluation and owns the halt artifact and sidecar
// lifecycle for one handoff directory.
type Engine struct {
	store       *atomicstore.Store
	handoffDir  string
	sidecarPath string
	haltPath    string
	recorder    Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder attaches a metrics Recorder; every Trip call increments it.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// New returns an Engine rooted at handoffDir.
func New(store *atomicstore.Store, handoffDir string, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		handoffDir:  handoffDir,
		sidecarPath: handoffDir + "/breaker_state.json",
		haltPath:    handoffDir + "/" + HaltArtifactName,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trip sets breaker.status = tripped, breaker.triggered_by = trigger, and
// writes the halt artifact with the failing contract snapshot. The caller
// (the State Machine) is responsible for the status -> erik_consultation
// transition itself; Trip only mutates the breaker sub-document and
// persists the sidecar/artifact side effects.
func (e *Engine) Trip(c *contract.Contract, trigger vocabulary.BreakerTrigger, reason string) error {
	c.Breaker.Status = contract.BreakerTripped
	c.Breaker.TriggeredBy = trigger.String()

	if e.recorder != nil {
		e.recorder.RecordBreakerTrip(trigger)
	}

	if err := e.persistSidecar(c); err != nil {
		return err
	}
	return e.writeHaltArtifact(c, trigger, reason)
}

// Reset is the explicit operator API that clears a tripped breaker. It is
// not a state transition — the caller still must move the contract out of
// erik_consultation through the normal state machine if desired.
func (e *Engine) Reset(c *contract.Contract) error {
	c.Breaker.Status = contract.BreakerArmed
	c.Breaker.TriggeredBy = ""

	if err := e.persistSidecar(c); err != nil {
		return err
	}
	if err := removeIfExists(e.haltPath); err != nil {
		return fmt.Errorf("breaker: remove halt artifact: %w", err)
	}
	return nil
}

func (e *Engine) writeHaltArtifact(c *contract.Contract, trigger vocabulary.BreakerTrigger, reason string) error {
	snapshot, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("breaker: marshal contract snapshot: %w", err)
	}
	snapshotPath := fmt.Sprintf("%s/%s.halt_snapshot.json", e.handoffDir, c.TaskID)
	if err := e.store.Write(snapshotPath, snapshot); err != nil {
		return fmt.Errorf("breaker: write contract snapshot: %w", err)
	}

	doc := fmt.Sprintf(`# ERIK HALT

- **task_id**: %s
- **trigger**: %s
- **reason**: %s
- **halted_at**: %s
- **contract_snapshot**: %s

This task has been stopped for human review. No further automated
progress will occur until an operator calls reset().
`, c.TaskID, trigger.String(), reason, time.Now().Format(time.RFC3339), snapshotPath)

	return e.store.Write(e.haltPath, []byte(doc))
}
