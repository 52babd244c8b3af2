package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floorline/assemblyline/contract"
)

// shellCommand returns a Command that runs body through /bin/sh -c, draining
// stdin first so the parent's pipe write never blocks on a script that
// ignores its request body.
func shellCommand(t *testing.T, body string) Command {
	t.Helper()
	return Command{Path: "/bin/sh", Args: []string{"-c", "cat >/dev/null; " + body}}
}

func TestSubprocessAdapter_RunImplementer_HappyPath(t *testing.T) {
	a := &SubprocessAdapter{
		Implementer: shellCommand(t, `printf '{"DraftPath":"sandbox/x.draft","ContentHash":"abc123"}'`),
	}
	result, err := a.RunImplementer(context.Background(), ImplementerRequest{Contract: &contract.Contract{TaskID: "SUB-001-IMPL"}})
	require.NoError(t, err)
	require.Equal(t, "sandbox/x.draft", result.DraftPath)
	require.Equal(t, "abc123", result.ContentHash)
}

func TestSubprocessAdapter_ExitCodeTwoIsFatal(t *testing.T) {
	a := &SubprocessAdapter{
		Implementer: shellCommand(t, `echo "malformed proposal" >&2; exit 2`),
	}
	_, err := a.RunImplementer(context.Background(), ImplementerRequest{})
	require.True(t, IsFatal(err), "exit code 2 should classify as fatal")
	require.False(t, IsTransient(err))
}

func TestSubprocessAdapter_OtherNonZeroExitIsTransient(t *testing.T) {
	a := &SubprocessAdapter{
		Implementer: shellCommand(t, `echo "crashed" >&2; exit 1`),
	}
	_, err := a.RunImplementer(context.Background(), ImplementerRequest{})
	require.True(t, IsTransient(err), "exit code 1 should classify as transient")
	require.False(t, IsFatal(err))
}

func TestSubprocessAdapter_UnconfiguredRoleReturnsErrRoleNotConfigured(t *testing.T) {
	a := &SubprocessAdapter{}
	_, err := a.RunImplementer(context.Background(), ImplementerRequest{})
	require.ErrorIs(t, err, ErrRoleNotConfigured)

	_, err = a.ValidateProposal(context.Background(), []byte("raw proposal text"))
	require.ErrorIs(t, err, ErrRoleNotConfigured)
}

func TestSubprocessAdapter_ValidateProposal_PassesRawBytesOnStdin(t *testing.T) {
	a := &SubprocessAdapter{
		ProposalValidator: Command{Path: "/bin/sh", Args: []string{"-c", `
read -r line
printf '{"project":"floor","slug":"%s","target_file":"x.go","requirements":["r1"]}' "$line"
`}},
	}
	p, err := a.ValidateProposal(context.Background(), []byte("from-raw-input\n"))
	require.NoError(t, err)
	require.Equal(t, "floor", p.Project)
	require.Equal(t, "from-raw-input", p.Slug)
}

func TestSubprocessAdapter_ResolveConflict_RoundTripsRequest(t *testing.T) {
	a := &SubprocessAdapter{
		ConflictResolver: shellCommand(t, `printf '{"Applied":true,"Note":"resolved by merging both"}'`),
	}
	res, err := a.ResolveConflict(context.Background(), JudgeResult{Verdict: VerdictFailWithCycles}, LocalReviewResult{Pass: false})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, "resolved by merging both", res.Note)
}
