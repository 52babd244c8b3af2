package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/vocabulary"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(atomicstore.New(nil), t.TempDir())
}

func TestConnect_Idempotent(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Connect("floor_manager"))
	require.NoError(t, b.Connect("floor_manager"))

	agents, err := b.ListAgents()
	require.NoError(t, err)
	require.Equal(t, []string{"floor_manager"}, agents)
}

func TestSend_RejectsUnknownType(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Send(Message{Type: "NOT_A_TYPE", From: "a", To: "b"})
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestSend_RejectsInvalidQuestionCardinality(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Send(Message{
		Type: vocabulary.MessageQuestion, From: "a", To: "b",
		Payload: Payload{Question: &QuestionPayload{QuestionID: "q1", Options: []string{"yes"}}},
	})
	require.ErrorIs(t, err, ErrInvalidQuestion)

	all, err := b.AllMessages()
	require.NoError(t, err)
	require.Empty(t, all, "rejected question must not be persisted")
}

func TestSend_AnswerMustReferenceKnownQuestion(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Send(Message{
		Type: vocabulary.MessageAnswer, From: "worker", To: "floor_manager",
		Payload: Payload{Answer: &AnswerPayload{QuestionID: "missing", SelectedOption: 0}},
	})
	require.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestSend_AnswerOptionOutOfRange(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Send(Message{
		Type: vocabulary.MessageQuestion, From: "floor_manager", To: "worker",
		Payload: Payload{Question: &QuestionPayload{QuestionID: "q1", Options: []string{"a", "b"}}},
	})
	require.NoError(t, err)

	_, err = b.Send(Message{
		Type: vocabulary.MessageAnswer, From: "worker", To: "floor_manager",
		Payload: Payload{Answer: &AnswerPayload{QuestionID: "q1", SelectedOption: 5}},
	})
	require.ErrorIs(t, err, ErrOptionOutOfRange)
}

func TestReceive_OnlyNewerMessagesToRecipientInSendOrder(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Send(Message{Type: vocabulary.MessageHeartbeat, From: "a", To: "floor_manager"})
	require.NoError(t, err)
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	id1, err := b.Send(Message{Type: vocabulary.MessageHeartbeat, From: "a", To: "floor_manager"})
	require.NoError(t, err)
	_, err = b.Send(Message{Type: vocabulary.MessageHeartbeat, From: "a", To: "someone_else"})
	require.NoError(t, err)
	id2, err := b.Send(Message{Type: vocabulary.MessageHeartbeat, From: "a", To: "floor_manager"})
	require.NoError(t, err)

	got, err := b.Receive("floor_manager", cutoff)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, id1, got[0].ID)
	require.Equal(t, id2, got[1].ID)
}

func TestHeartbeat_LastWriteWins(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Heartbeat("worker-1", "starting"))
	require.NoError(t, b.Heartbeat("worker-1", "halfway"))

	hb, ok, err := b.LastHeartbeat("worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "halfway", hb.Progress)
}

func TestIsStalled(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Heartbeat("worker-1", "running"))

	stalled, err := b.IsStalled("worker-1", 30*time.Second, time.Now())
	require.NoError(t, err)
	require.False(t, stalled)

	stalled, err = b.IsStalled("worker-1", 30*time.Second, time.Now().Add(200*time.Second))
	require.NoError(t, err)
	require.True(t, stalled)
}

func TestIsStalled_NeverHeartbeatIsNotStalled(t *testing.T) {
	b := newTestBus(t)
	stalled, err := b.IsStalled("ghost", 30*time.Second, time.Now())
	require.NoError(t, err)
	require.False(t, stalled)
}
