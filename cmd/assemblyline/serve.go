package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/breaker"
	"github.com/floorline/assemblyline/broker"
	"github.com/floorline/assemblyline/bus"
	"github.com/floorline/assemblyline/config"
	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/gitcheckpoint"
	"github.com/floorline/assemblyline/listener"
	"github.com/floorline/assemblyline/metrics"
	"github.com/floorline/assemblyline/sandbox"
	"github.com/floorline/assemblyline/statemachine"
	"github.com/floorline/assemblyline/vocabulary"
)

// newServeCmd wires the Listener Daemon (connect, heartbeat, poll/dispatch,
// global-timeout scan) together with the breaker engine, git checkpoint
// layer, sandbox/gate, worker broker, and an optional metrics endpoint —
// the full steady-state pipeline of spec.md §2, not just its bus plumbing.
func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the listener daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := atomicstore.New(logger)
	b := bus.New(store, cfg.BusStorePath())
	checkpointer := gitcheckpoint.New(cfg.RepoPath)

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}

	breakerEng := breaker.New(store, cfg.HandoffDir, breaker.WithRecorder(reg))
	machine := statemachine.New(store, breakerEng, checkpointer, cfg.HandoffDir)

	sb := sandbox.New(cfg.SandboxDir(), store)
	notify := func(msgType vocabulary.MessageType, to, reason string) error {
		_, err := b.Send(bus.Message{
			Type: msgType,
			From: cfg.AgentID,
			To:   to,
			Payload: bus.Payload{Raw: map[string]any{"reason": reason}},
		})
		return err
	}
	auditLog := func(event string) error {
		return store.Append(filepath.Join(cfg.HandoffDir, "gate_audit.log"), []byte(event+"\n"))
	}
	gate := sandbox.NewGate(sb, auditLog, notify)

	sequencer := contract.NewSequencer(store, filepath.Join(cfg.HandoffDir, "sequence.json"))
	adapter := &broker.SubprocessAdapter{
		Implementer:       workerCommand(cfg.Workers.Implementer),
		LocalReviewer:     workerCommand(cfg.Workers.LocalReviewer),
		Judge:             workerCommand(cfg.Workers.Judge),
		ProposalValidator: workerCommand(cfg.Workers.ProposalValidator),
		ConflictResolver:  workerCommand(cfg.Workers.ConflictResolver),
	}
	wb := broker.New(adapter, adapter, adapter, adapter, adapter)

	l := listener.New(cfg.AgentID, b, machine, cfg.HandoffDir,
		listener.WithHeartbeatInterval(cfg.HeartbeatInterval()),
		listener.WithPollInterval(cfg.PollInterval()),
		listener.WithLogger(logger),
		listener.WithRecorder(reg),
		listener.WithGate(gate),
		listener.WithBroker(wb),
		listener.WithSequencer(sequencer),
	)

	g, gctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return l.Run(gctx) })
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr, reg)
		logger.Info("metrics endpoint listening", slog.String("addr", cfg.Metrics.Addr))
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("listener daemon started", slog.String("agent_id", cfg.AgentID), slog.String("handoff_dir", cfg.HandoffDir))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// workerCommand converts a config.WorkerCommand into the broker.Command
// SubprocessAdapter expects. An unconfigured role maps to the zero
// Command, which SubprocessAdapter reports as ErrRoleNotConfigured rather
// than attempting to exec an empty path.
func workerCommand(wc config.WorkerCommand) broker.Command {
	return broker.Command{Path: wc.Command, Args: wc.Args}
}
