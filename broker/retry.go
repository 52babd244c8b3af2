package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/floorline/assemblyline/contract"
)

// RetryConfig mirrors the teacher's llm.RetryConfig shape: the broker's
// calls are just as prone to transient worker failures as the original
// HTTP-backed LLM client was.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig mirrors llm.DefaultRetryConfig's values.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// ErrRoleNotConfigured is returned when a Broker method is called for a
// role that was never wired (nil implementation).
var ErrRoleNotConfigured = errors.New("broker: role not configured")

// withRetry retries fn up to cfg.MaxAttempts times with exponential
// backoff and jitter, stopping immediately on a FatalError,
// ErrConflictUnresolved, or ctx cancellation. Grounded on llm.Client.tryEndpointWithRetryTracked /
// calculateBackoff, generalized from one HTTP call to any broker role
// call.
func withRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsFatal(err) || errors.Is(err, ErrConflictUnresolved) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(cfg, attempt)):
		}
	}
	return fmt.Errorf("broker: exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func backoffFor(cfg RetryConfig, attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= cfg.BackoffMultiplier
	}
	backoff := time.Duration(float64(cfg.BackoffBase) * multiplier)
	if backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// RunImplementer dispatches to the configured Implementer with retry.
func (b *Broker) RunImplementer(ctx context.Context, req ImplementerRequest) (ImplementerResult, error) {
	if b.Implementer == nil {
		return ImplementerResult{}, ErrRoleNotConfigured
	}
	var result ImplementerResult
	err := withRetry(ctx, b.Retry, func(ctx context.Context) error {
		r, err := b.Implementer.RunImplementer(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// RunLocalReview dispatches to the configured LocalReviewer with retry.
func (b *Broker) RunLocalReview(ctx context.Context, req LocalReviewRequest) (LocalReviewResult, error) {
	if b.LocalReviewer == nil {
		return LocalReviewResult{}, ErrRoleNotConfigured
	}
	var result LocalReviewResult
	err := withRetry(ctx, b.Retry, func(ctx context.Context) error {
		r, err := b.LocalReviewer.RunLocalReview(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// RunJudge dispatches to the configured Judge with retry.
func (b *Broker) RunJudge(ctx context.Context, req JudgeRequest) (JudgeResult, error) {
	if b.Judge == nil {
		return JudgeResult{}, ErrRoleNotConfigured
	}
	var result JudgeResult
	err := withRetry(ctx, b.Retry, func(ctx context.Context) error {
		r, err := b.Judge.RunJudge(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// ValidateProposal dispatches to the configured ProposalValidator. Not
// retried: a validation failure is almost always deterministic (the same
// malformed input fails the same way every time).
func (b *Broker) ValidateProposal(ctx context.Context, raw []byte) (*contract.Proposal, error) {
	if b.ProposalValidator == nil {
		return nil, ErrRoleNotConfigured
	}
	return b.ProposalValidator.ValidateProposal(ctx, raw)
}

// ResolveConflict dispatches to the configured ConflictResolver with
// retry.
func (b *Broker) ResolveConflict(ctx context.Context, judge JudgeResult, local LocalReviewResult) (Resolution, error) {
	if b.ConflictResolver == nil {
		return Resolution{}, ErrRoleNotConfigured
	}
	var result Resolution
	err := withRetry(ctx, b.Retry, func(ctx context.Context) error {
		r, err := b.ConflictResolver.ResolveConflict(ctx, judge, local)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
