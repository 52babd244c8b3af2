package breaker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/vocabulary"
)

func testContract() *contract.Contract {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &contract.Contract{
		SchemaVersion: contract.SchemaVersion,
		TaskID:        "VER-001-VERSION",
		Status:        vocabulary.StatusPendingRebuttal,
		Complexity:    vocabulary.ComplexityMinor,
		Limits:        vocabulary.DefaultLimitsFor(vocabulary.ComplexityMinor),
		Breaker:       contract.BreakerState{Status: contract.BreakerArmed},
		Timestamps:    contract.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
}

func TestEvaluate_RebuttalLimit(t *testing.T) {
	c := testContract()
	c.Breaker.RebuttalCount = c.Limits.MaxRebuttals + 1

	trigger, reason := Evaluate(c, Inputs{})
	require.Equal(t, vocabulary.TriggerRebuttalLimit, trigger)
	require.Equal(t, "Trigger 1: Rebuttal Limit", reason)
}

func TestEvaluate_Budget(t *testing.T) {
	c := testContract()
	c.Breaker.CostUSD = c.Limits.CostCeilingUSD

	trigger, _ := Evaluate(c, Inputs{})
	require.Equal(t, vocabulary.TriggerBudget, trigger)
}

func TestEvaluate_HallucinationLoop(t *testing.T) {
	c := testContract()
	c.Breaker.LastJudgeHashes = []string{"abc123"}

	trigger, _ := Evaluate(c, Inputs{CurrentContentHash: "abc123"})
	require.Equal(t, vocabulary.TriggerHallucinationLoop, trigger)
}

func TestEvaluate_NitpickingAfterThreeEmptyCycles(t *testing.T) {
	c := testContract()
	c.Breaker.ReviewCycleCount = 3

	trigger, _ := Evaluate(c, Inputs{RecentReviewCycles: []ReviewCycle{{}, {}, {}}})
	require.Equal(t, vocabulary.TriggerNitpicking, trigger)
}

func TestEvaluate_NitpickingDoesNotFireWithBlockingIssue(t *testing.T) {
	c := testContract()
	c.Breaker.ReviewCycleCount = 3

	cycles := []ReviewCycle{
		{Issues: []ReviewIssue{{Category: "style"}}},
		{Issues: []ReviewIssue{{Category: "style"}}},
		{Issues: []ReviewIssue{{Category: "logic", Blocking: true}}},
	}
	trigger, _ := Evaluate(c, Inputs{RecentReviewCycles: cycles})
	require.Equal(t, vocabulary.TriggerNone, trigger)
}

func TestEvaluate_ScopeCreepFileCount(t *testing.T) {
	c := testContract()
	c.Breaker.ScopeFileCount = 21

	trigger, _ := Evaluate(c, Inputs{})
	require.Equal(t, vocabulary.TriggerScopeCreep, trigger)
}

func TestEvaluate_ScopeCreepOutsideAllowedPaths(t *testing.T) {
	c := testContract()
	c.Constraints.AllowedPaths = []string{"src/**"}

	trigger, _ := Evaluate(c, Inputs{ChangedFiles: []string{"other/file.go"}})
	require.Equal(t, vocabulary.TriggerScopeCreep, trigger)
}

func TestEvaluate_ReviewCycleCap(t *testing.T) {
	c := testContract()
	c.Breaker.ReviewCycleCount = c.Limits.MaxReviewCycles + 1

	trigger, _ := Evaluate(c, Inputs{})
	require.Equal(t, vocabulary.TriggerReviewCycleCap, trigger)
}

func TestEvaluate_NoneWhenClean(t *testing.T) {
	c := testContract()
	trigger, _ := Evaluate(c, Inputs{})
	require.Equal(t, vocabulary.TriggerNone, trigger)
}

func TestEvaluateGlobalTimeout(t *testing.T) {
	c := testContract()
	fired, ok := EvaluateGlobalTimeout(c, c.Timestamps.CreatedAt.Add(time.Hour))
	require.Empty(t, fired)
	require.False(t, ok)

	fired, ok = EvaluateGlobalTimeout(c, c.Timestamps.CreatedAt.Add(10*time.Hour))
	require.True(t, ok)
	require.Contains(t, fired, "Trigger 10: Global Timeout")
}

func TestEngine_TripWritesHaltArtifactAndSidecar(t *testing.T) {
	dir := t.TempDir()
	e := New(atomicstore.New(nil), dir)
	c := testContract()

	require.NoError(t, e.Trip(c, vocabulary.TriggerBudget, "Trigger 7: Budget"))
	require.Equal(t, contract.BreakerTripped, c.Breaker.Status)
	require.Equal(t, "Trigger 7: Budget", c.Breaker.TriggeredBy)

	require.FileExists(t, filepath.Join(dir, HaltArtifactName))

	loaded, err := e.LoadSidecar(c.TaskID)
	require.NoError(t, err)
	require.Equal(t, contract.BreakerTripped, loaded.Status)
}

func TestEngine_ResetClearsHaltArtifact(t *testing.T) {
	dir := t.TempDir()
	e := New(atomicstore.New(nil), dir)
	c := testContract()

	require.NoError(t, e.Trip(c, vocabulary.TriggerBudget, "Trigger 7: Budget"))
	require.NoError(t, e.Reset(c))

	require.Equal(t, contract.BreakerArmed, c.Breaker.Status)
	require.Empty(t, c.Breaker.TriggeredBy)
	_, err := os.Stat(filepath.Join(dir, HaltArtifactName))
	require.True(t, os.IsNotExist(err))
}

func TestEngine_LoadSidecar_AbsentReturnsArmed(t *testing.T) {
	dir := t.TempDir()
	e := New(atomicstore.New(nil), dir)

	loaded, err := e.LoadSidecar("NOPE-001-X")
	require.NoError(t, err)
	require.Equal(t, contract.BreakerArmed, loaded.Status)
}

func TestEngine_LoadSidecar_CorruptJSONIsBackedUpAndReset(t *testing.T) {
	dir := t.TempDir()
	e := New(atomicstore.New(nil), dir)
	require.NoError(t, os.WriteFile(e.sidecarPath, []byte("{not json"), 0o644))

	loaded, err := e.LoadSidecar("VER-001-VERSION")
	require.NoError(t, err)
	require.Equal(t, contract.BreakerArmed, loaded.Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sawBackup bool
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" && len(entry.Name()) > len("breaker_state.json") {
			sawBackup = true
		}
	}
	require.True(t, sawBackup, "expected a backed-up corrupt sidecar file")
}
