package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/contract"
)

type stubImplementer struct {
	calls   int
	failN   int
	fatal   bool
	result  ImplementerResult
}

func (s *stubImplementer) RunImplementer(ctx context.Context, req ImplementerRequest) (ImplementerResult, error) {
	s.calls++
	if s.calls <= s.failN {
		if s.fatal {
			return ImplementerResult{}, NewFatalError(errors.New("bad proposal"))
		}
		return ImplementerResult{}, NewTransientError(errors.New("sandbox busy"))
	}
	return s.result, nil
}

func TestBroker_RunImplementer_RetriesTransientThenSucceeds(t *testing.T) {
	stub := &stubImplementer{failN: 2, result: ImplementerResult{DraftPath: "x.draft"}}
	b := New(stub, nil, nil, nil, nil)
	b.Retry = RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}

	res, err := b.RunImplementer(context.Background(), ImplementerRequest{Contract: &contract.Contract{}})
	require.NoError(t, err)
	require.Equal(t, "x.draft", res.DraftPath)
	require.Equal(t, 3, stub.calls)
}

func TestBroker_RunImplementer_StopsOnFatal(t *testing.T) {
	stub := &stubImplementer{failN: 1, fatal: true}
	b := New(stub, nil, nil, nil, nil)
	b.Retry = RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}

	_, err := b.RunImplementer(context.Background(), ImplementerRequest{})
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.Equal(t, 1, stub.calls)
}

func TestBroker_RunImplementer_ExhaustsRetries(t *testing.T) {
	stub := &stubImplementer{failN: 100}
	b := New(stub, nil, nil, nil, nil)
	b.Retry = RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}

	_, err := b.RunImplementer(context.Background(), ImplementerRequest{})
	require.Error(t, err)
	require.Equal(t, 2, stub.calls)
}

func TestBroker_UnconfiguredRoleReturnsErrRoleNotConfigured(t *testing.T) {
	b := New(nil, nil, nil, nil, nil)
	_, err := b.RunImplementer(context.Background(), ImplementerRequest{})
	require.ErrorIs(t, err, ErrRoleNotConfigured)

	_, err = b.RunLocalReview(context.Background(), LocalReviewRequest{})
	require.ErrorIs(t, err, ErrRoleNotConfigured)

	_, err = b.RunJudge(context.Background(), JudgeRequest{})
	require.ErrorIs(t, err, ErrRoleNotConfigured)

	_, err = b.ValidateProposal(context.Background(), nil)
	require.ErrorIs(t, err, ErrRoleNotConfigured)

	_, err = b.ResolveConflict(context.Background(), JudgeResult{}, LocalReviewResult{})
	require.ErrorIs(t, err, ErrRoleNotConfigured)
}

func TestBroker_RunImplementer_CancelledContextDuringBackoff(t *testing.T) {
	stub := &stubImplementer{failN: 100}
	b := New(stub, nil, nil, nil, nil)
	b.Retry = RetryConfig{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffMultiplier: 1, MaxBackoff: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.RunImplementer(ctx, ImplementerRequest{})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsTransientAndIsFatal(t *testing.T) {
	require.True(t, IsTransient(NewTransientError(errors.New("x"))))
	require.False(t, IsFatal(NewTransientError(errors.New("x"))))
	require.True(t, IsFatal(NewFatalError(errors.New("x"))))
	require.False(t, IsTransient(NewFatalError(errors.New("x"))))
}
