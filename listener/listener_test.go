package listener

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/bus"
	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/statemachine"
	"github.com/floorline/assemblyline/vocabulary"
)

func writeContract(t *testing.T, dir string, c *contract.Contract) {
	t.Helper()
	data, err := json.MarshalIndent(c, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, c.TaskID+".contract.json"), data, 0o644))
}

func TestLoadActiveContracts_SkipsTerminalAndUnparsable(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	m := statemachine.New(store, nil, nil, dir)
	l := New("listener-1", bus.New(store, dir), m, dir)

	active := &contract.Contract{TaskID: "ACT-001-A", Status: vocabulary.StatusPendingImplementer}
	done := &contract.Contract{TaskID: "ACT-002-B", Status: vocabulary.StatusMerged}
	writeContract(t, dir, active)
	writeContract(t, dir, done)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.contract.json"), []byte("{not json"), 0o644))

	contracts, err := l.loadActiveContracts()
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	require.Equal(t, "ACT-001-A", contracts[0].TaskID)
}

func TestHandleQuestion_AutoAnswerSendsFirstOption(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	b := bus.New(store, dir)
	m := statemachine.New(store, nil, nil, dir)
	l := New("listener-1", b, m, dir, WithAutoAnswer(true))

	require.NoError(t, b.Connect("listener-1"))
	require.NoError(t, b.Connect("implementer-1"))

	qID, err := b.Send(bus.Message{
		Type: vocabulary.MessageQuestion,
		From: "implementer-1",
		To:   "listener-1",
		Payload: bus.Payload{Question: &bus.QuestionPayload{
			QuestionID: "Q1",
			Prompt:     "continue?",
			Options:    []string{"yes", "no"},
		}},
	})
	require.NoError(t, err)

	msgs, err := b.Receive("listener-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	l.handleQuestion(msgs[0])

	answers, err := b.Receive("implementer-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.Equal(t, vocabulary.MessageAnswer, answers[0].Type)
	require.Equal(t, "Q1", answers[0].Payload.Answer.QuestionID)
	require.Equal(t, 0, answers[0].Payload.Answer.SelectedOption)
	_ = qID
}

func TestHandleQuestion_AutoAnswerDisabledSendsNothing(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	b := bus.New(store, dir)
	m := statemachine.New(store, nil, nil, dir)
	l := New("listener-1", b, m, dir, WithAutoAnswer(false))

	require.NoError(t, b.Connect("implementer-1"))
	_, err := b.Send(bus.Message{
		Type: vocabulary.MessageQuestion,
		From: "implementer-1",
		To:   "listener-1",
		Payload: bus.Payload{Question: &bus.QuestionPayload{
			QuestionID: "Q2",
			Options:    []string{"a", "b"},
		}},
	})
	require.NoError(t, err)

	msgs, err := b.Receive("listener-1", time.Time{})
	require.NoError(t, err)
	l.handleQuestion(msgs[0])

	answers, err := b.Receive("implementer-1", time.Time{})
	require.NoError(t, err)
	require.Empty(t, answers)
}

func TestTrackWorkAndStopTask_CancelsContext(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	b := bus.New(store, dir)
	m := statemachine.New(store, nil, nil, dir)
	l := New("listener-1", b, m, dir, WithStopGrace(50*time.Millisecond))

	workCtx, cancel := context.WithCancel(context.Background())
	release := l.TrackWork("TASK-001", cancel)
	defer release()

	msg := bus.Message{
		Type:    vocabulary.MessageStopTask,
		From:    "operator",
		To:      "listener-1",
		Payload: bus.Payload{Raw: map[string]any{"task_id": "TASK-001"}},
	}
	l.handleStopTask(context.Background(), msg)

	select {
	case <-workCtx.Done():
	default:
		t.Fatal("expected work context to be canceled")
	}
}

func TestHandleStopTask_ForceKillsToErikConsultationAfterGraceElapses(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	b := bus.New(store, dir)
	m := statemachine.New(store, nil, nil, dir)
	l := New("listener-1", b, m, dir, WithStopGrace(20*time.Millisecond))

	c := &contract.Contract{
		TaskID:     "FORCE-001-KILL",
		Status:     vocabulary.StatusImplementationInProgress,
		Limits:     vocabulary.DefaultLimitsFor(vocabulary.ComplexityMinor),
		Breaker:    contract.BreakerState{Status: contract.BreakerArmed},
		Timestamps: contract.Timestamps{CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}
	writeContract(t, dir, c)

	// TrackWork's cancel intentionally never reaches into active, simulating
	// a goroutine that ignores cancellation and outlives the grace period.
	workCtx, cancel := context.WithCancel(context.Background())
	release := l.TrackWork("FORCE-001-KILL", func() {})
	defer release()
	defer cancel()

	msg := bus.Message{
		Type:    vocabulary.MessageStopTask,
		From:    "operator",
		To:      "listener-1",
		Payload: bus.Payload{Raw: map[string]any{"task_id": "FORCE-001-KILL"}},
	}
	l.handleStopTask(context.Background(), msg)

	data, err := store.Read(statemachine.ContractPath(dir, "FORCE-001-KILL"))
	require.NoError(t, err)
	var persisted contract.Contract
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Equal(t, vocabulary.StatusErikConsultation, persisted.Status)
	require.Contains(t, persisted.StatusReason, "force-killed")
	_ = workCtx
}

func TestNudge_DoesNotBlockWhenWakeAlreadyPending(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	m := statemachine.New(store, nil, nil, dir)
	l := New("listener-1", bus.New(store, dir), m, dir)

	l.nudge()
	require.NotPanics(t, func() { l.nudge() })
	require.Len(t, l.wake, 1)
}

func TestRun_ConnectsAndStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New(nil)
	b := bus.New(store, dir)
	m := statemachine.New(store, nil, nil, dir)
	l := New("listener-1", b, m, dir,
		WithHeartbeatInterval(10*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := l.Run(ctx)
	require.NoError(t, err)

	agents, err := b.ListAgents()
	require.NoError(t, err)
	require.Contains(t, agents, "listener-1")

	hb, ok, err := b.LastHeartbeat("listener-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "listening", hb.Progress)
}
