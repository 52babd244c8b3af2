package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/contract"
)

// sidecarSchemaVersion is bumped whenever the sidecar document shape
// changes incompatibly; a mismatch triggers migration rather than a
// silent reinterpretation of old fields.
const sidecarSchemaVersion = 1

// sidecar is the breaker's counters mirrored next to the contract so they
// survive a crash that corrupts or loses the contract file itself
// (spec.md §4.5 "Persistence").
type sidecar struct {
	SchemaVersion int                  `json:"schema_version"`
	TaskID        string               `json:"task_id"`
	Breaker       contract.BreakerState `json:"breaker"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// ErrSidecarDiskUnavailable is returned when the sidecar can't be read for
// a reason other than absence or corruption (e.g. permission denied) — the
// caller must refuse to start rather than silently zero the counters.
var ErrSidecarDiskUnavailable = errors.New("breaker: sidecar unreadable, refusing to start")

func (e *Engine) persistSidecar(c *contract.Contract) error {
	sc := sidecar{
		SchemaVersion: sidecarSchemaVersion,
		TaskID:        c.TaskID,
		Breaker:       c.Breaker,
		UpdatedAt:     time.Now(),
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("breaker: marshal sidecar: %w", err)
	}
	if err := e.store.Write(e.sidecarPath, data); err != nil {
		return fmt.Errorf("breaker: write sidecar: %w", err)
	}
	return nil
}

// LoadSidecar recovers breaker counters from the sidecar on startup.
// Four distinct cases, per spec.md §4.5/§7:
//   - absent: returns a fresh, armed state — this is the normal first-run
//     case, not an error.
//   - malformed JSON: the bad file is backed up alongside itself and a
//     fresh state is returned.
//   - schema version mismatch: migrated (today, schema 1 is the only
//     version, so this path is exercised only by future bumps).
//   - any other error (permission, disk): returns
//     ErrSidecarDiskUnavailable and the caller must refuse to start.
func (e *Engine) LoadSidecar(taskID string) (contract.BreakerState, error) {
	data, err := e.store.Read(e.sidecarPath)
	if err != nil {
		if atomicstore.IsNotExist(err) {
			return contract.BreakerState{Status: contract.BreakerArmed}, nil
		}
		return contract.BreakerState{}, fmt.Errorf("%w: %v", ErrSidecarDiskUnavailable, err)
	}

	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		if backupErr := e.backupCorrupt(data); backupErr != nil {
			return contract.BreakerState{}, fmt.Errorf("breaker: backup corrupt sidecar: %w", backupErr)
		}
		return contract.BreakerState{Status: contract.BreakerArmed}, nil
	}

	if sc.SchemaVersion != sidecarSchemaVersion {
		return e.migrateSidecar(sc)
	}

	return sc.Breaker, nil
}

// migrateSidecar upgrades an older sidecar schema in place. Schema 1 is
// currently the only version that exists, so this is a placeholder for
// the first real migration; it deliberately does not guess at unknown
// future fields.
func (e *Engine) migrateSidecar(sc sidecar) (contract.BreakerState, error) {
	return sc.Breaker, nil
}

func (e *Engine) backupCorrupt(data []byte) error {
	backupPath := fmt.Sprintf("%s.corrupt.%d", e.sidecarPath, time.Now().UnixNano())
	return e.store.Write(backupPath, data)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
