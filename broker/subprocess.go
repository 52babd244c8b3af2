package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/floorline/assemblyline/contract"
)

// Command is one role's subprocess invocation: argv[0] plus fixed
// arguments. SubprocessAdapter appends nothing beyond this — the request
// is delivered as a single JSON document on stdin, and the role's JSON
// response is read back from stdout. Grounded on gitcheckpoint.Checkpointer
// .run's exec.CommandContext pattern, generalized from a fixed git binary
// to an arbitrary worker command per role.
type Command struct {
	Path string
	Args []string
}

// Configured reports whether a command line was given.
func (c Command) Configured() bool { return c.Path != "" }

// exitCodeFatal is the convention a worker subprocess uses to report that
// retrying will not help (a malformed proposal, a rejected contract): exit
// 2. Any other non-zero exit is treated as transient (a crash, a timeout,
// a busy sandbox) and left to the Broker's retry loop.
const exitCodeFatal = 2

// SubprocessAdapter implements Implementer, LocalReviewer, Judge,
// ProposalValidator, and ConflictResolver by running an external command
// per role and exchanging JSON over stdin/stdout. Any Command left
// unconfigured makes the matching method return ErrRoleNotConfigured
// before a process is ever spawned.
type SubprocessAdapter struct {
	Implementer       Command
	LocalReviewer     Command
	Judge             Command
	ProposalValidator Command
	ConflictResolver  Command
}

func runJSON(ctx context.Context, cmd Command, req, resp any) error {
	if !cmd.Configured() {
		return ErrRoleNotConfigured
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return NewFatalError(fmt.Errorf("broker: marshal request: %w", err))
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err = c.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == exitCodeFatal {
			return NewFatalError(fmt.Errorf("broker: %s: %s", cmd.Path, stderr.String()))
		}
		return NewTransientError(fmt.Errorf("broker: %s: %w: %s", cmd.Path, err, stderr.String()))
	}

	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return NewFatalError(fmt.Errorf("broker: unmarshal %s response: %w", cmd.Path, err))
	}
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// RunImplementer invokes SubprocessAdapter.Implementer with req as JSON on
// stdin, expecting an ImplementerResult as JSON on stdout.
func (a *SubprocessAdapter) RunImplementer(ctx context.Context, req ImplementerRequest) (ImplementerResult, error) {
	var result ImplementerResult
	err := runJSON(ctx, a.Implementer, req, &result)
	return result, err
}

// RunLocalReview invokes SubprocessAdapter.LocalReviewer.
func (a *SubprocessAdapter) RunLocalReview(ctx context.Context, req LocalReviewRequest) (LocalReviewResult, error) {
	var result LocalReviewResult
	err := runJSON(ctx, a.LocalReviewer, req, &result)
	return result, err
}

// RunJudge invokes SubprocessAdapter.Judge.
func (a *SubprocessAdapter) RunJudge(ctx context.Context, req JudgeRequest) (JudgeResult, error) {
	var result JudgeResult
	err := runJSON(ctx, a.Judge, req, &result)
	return result, err
}

// ValidateProposal invokes SubprocessAdapter.ProposalValidator with the raw
// operator-authored document on stdin, expecting a *contract.Proposal on
// stdout.
func (a *SubprocessAdapter) ValidateProposal(ctx context.Context, raw []byte) (*contract.Proposal, error) {
	if !a.ProposalValidator.Configured() {
		return nil, ErrRoleNotConfigured
	}
	c := exec.CommandContext(ctx, a.ProposalValidator.Path, a.ProposalValidator.Args...)
	c.Stdin = bytes.NewReader(raw)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == exitCodeFatal {
			return nil, NewFatalError(fmt.Errorf("broker: %s: %s", a.ProposalValidator.Path, stderr.String()))
		}
		return nil, NewTransientError(fmt.Errorf("broker: %s: %w: %s", a.ProposalValidator.Path, err, stderr.String()))
	}

	var p contract.Proposal
	if err := json.Unmarshal(stdout.Bytes(), &p); err != nil {
		return nil, NewFatalError(fmt.Errorf("broker: unmarshal proposal: %w", err))
	}
	return &p, nil
}

// resolveConflictRequest bundles a ConflictResolver invocation's inputs
// into a single JSON document for the subprocess.
type resolveConflictRequest struct {
	Judge JudgeResult       `json:"judge"`
	Local LocalReviewResult `json:"local"`
}

// ResolveConflict invokes SubprocessAdapter.ConflictResolver.
func (a *SubprocessAdapter) ResolveConflict(ctx context.Context, judge JudgeResult, local LocalReviewResult) (Resolution, error) {
	var result Resolution
	err := runJSON(ctx, a.ConflictResolver, resolveConflictRequest{Judge: judge, Local: local}, &result)
	return result, err
}
