// Package listener implements the Listener Daemon (spec.md §4.8): the
// long-running process that registers on the bus, heartbeats, polls for
// messages addressed to it, answers questions under policy, honors
// cancellation, and polls the global timeout trigger independently of any
// pending event.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/floorline/assemblyline/breaker"
	"github.com/floorline/assemblyline/broker"
	"github.com/floorline/assemblyline/bus"
	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/sandbox"
	"github.com/floorline/assemblyline/statemachine"
	"github.com/floorline/assemblyline/vocabulary"
)

// DefaultPollInterval is how often Listener checks the bus for new
// messages addressed to it.
const DefaultPollInterval = 2 * time.Second

// DefaultStopGrace is how long Listener waits for active work to notice a
// STOP_TASK cancellation before it considers the task force-killed.
const DefaultStopGrace = 10 * time.Second

// Recorder observes bus throughput, poll latency, and active-contract
// count for the metrics package, without the listener package depending on
// it directly.
type Recorder interface {
	RecordMessageSent()
	RecordMessageReceived()
	ObservePollLatency(d time.Duration)
	SetActiveContracts(n int)
}

// Listener is one running agent's bus client and dispatch loop.
type Listener struct {
	agentID           string
	bus               *bus.Bus
	machine           *statemachine.Machine
	handoffDir        string
	recorder          Recorder
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	stopGrace         time.Duration
	logger            *slog.Logger
	autoAnswer        bool

	// gate, broker, and sequencer drive the steady-state pipeline
	// (PROPOSAL_READY -> implementer -> gate -> local review -> judge ->
	// merge) once a contract exists. They are optional: a Listener with none
	// configured still answers QUESTION/STOP_TASK and polls the global
	// timeout, but PROPOSAL_READY/DRAFT_READY/VERDICT_SIGNAL messages are
	// logged and dropped rather than driving a pipeline with nothing to run
	// it.
	gate       *sandbox.Gate
	broker     *broker.Broker
	sequencer  *contract.Sequencer
	baseBranch string

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wake chan struct{}
}

// Option configures a Listener.
type Option func(*Listener)

// WithHeartbeatInterval overrides bus.DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(l *Listener) { l.heartbeatInterval = d }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Listener) { l.pollInterval = d }
}

// WithStopGrace overrides DefaultStopGrace.
func WithStopGrace(d time.Duration) Option {
	return func(l *Listener) { l.stopGrace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithAutoAnswer toggles whether QUESTION messages are auto-answered with
// their first option. Default true; set false to leave questions for a
// human operator to answer out of band.
func WithAutoAnswer(enabled bool) Option {
	return func(l *Listener) { l.autoAnswer = enabled }
}

// WithRecorder attaches a metrics Recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Listener) { l.recorder = r }
}

// WithGate attaches the Sandbox & Draft Gate that decides DRAFT_READY
// submissions.
func WithGate(g *sandbox.Gate) Option {
	return func(l *Listener) { l.gate = g }
}

// WithBroker attaches the Worker Broker Contracts that run the
// implementer/local-review/judge roles for PROPOSAL_READY tasks.
func WithBroker(b *broker.Broker) Option {
	return func(l *Listener) { l.broker = b }
}

// WithSequencer attaches the task-id allocator PROPOSAL_READY uses to
// materialize a new contract.
func WithSequencer(s *contract.Sequencer) Option {
	return func(l *Listener) { l.sequencer = s }
}

// WithBaseBranch overrides the git branch new task branches fork from and
// merge back into. Defaults to "main".
func WithBaseBranch(branch string) Option {
	return func(l *Listener) { l.baseBranch = branch }
}

// New returns a Listener for agentID, rooted at handoffDir for contract
// scanning.
func New(agentID string, b *bus.Bus, m *statemachine.Machine, handoffDir string, opts ...Option) *Listener {
	l := &Listener{
		agentID:           agentID,
		bus:               b,
		machine:           m,
		handoffDir:        handoffDir,
		heartbeatInterval: bus.DefaultHeartbeatInterval,
		pollInterval:      DefaultPollInterval,
		stopGrace:         DefaultStopGrace,
		logger:            slog.Default(),
		autoAnswer:        true,
		baseBranch:        "main",
		active:            make(map[string]context.CancelFunc),
		wake:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run connects the agent and blocks, running the heartbeat, poll, and
// global-timeout loops concurrently until ctx is canceled or one of the
// loops returns an error.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.bus.Connect(l.agentID); err != nil {
		return fmt.Errorf("listener: connect: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.heartbeatLoop(gctx) })
	g.Go(func() error { return l.pollLoop(gctx) })
	g.Go(func() error { return l.globalTimeoutLoop(gctx) })
	g.Go(func() error { return l.watchLoop(gctx) })
	return g.Wait()
}

// watchLoop watches handoffDir (not its subdirectories) so that contract
// writes, and bus messages when the bus store lives directly in handoffDir,
// let pollLoop react before its next ticker fires, shortening the latency
// between a message landing and its dispatch. A missing or unwatchable
// directory is not fatal — pollLoop's own ticker still covers it.
func (l *Listener) watchLoop(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("fsnotify unavailable, falling back to poll interval only", "error", err)
		<-ctx.Done()
		return nil
	}
	defer fsw.Close()

	if err := fsw.Add(l.handoffDir); err != nil {
		l.logger.Debug("watch handoff dir failed, falling back to poll interval only", "dir", l.handoffDir, "error", err)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			l.nudge()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// nudge wakes pollLoop early without blocking if a wake is already pending.
func (l *Listener) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.bus.Heartbeat(l.agentID, "listening"); err != nil {
				l.logger.Warn("heartbeat failed", "agent", l.agentID, "error", err)
			}
		}
	}
}

func (l *Listener) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	since := time.Now().Add(-l.pollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			since = l.pollOnce(ctx, since)
		case <-l.wake:
			since = l.pollOnce(ctx, since)
		}
	}
}

// pollOnce fetches and dispatches messages received since the last poll,
// returning the new watermark.
func (l *Listener) pollOnce(ctx context.Context, since time.Time) time.Time {
	start := time.Now()
	msgs, err := l.bus.Receive(l.agentID, since)
	if err != nil {
		l.logger.Warn("receive failed", "agent", l.agentID, "error", err)
		return since
	}
	for _, msg := range msgs {
		if msg.Timestamp.After(since) {
			since = msg.Timestamp
		}
		if l.recorder != nil {
			l.recorder.RecordMessageReceived()
		}
		l.dispatch(ctx, msg)
	}
	if l.recorder != nil {
		l.recorder.ObservePollLatency(time.Since(start))
	}
	return since
}

// globalTimeoutLoop polls breaker trigger 10 against every active contract
// under handoffDir, independent of any pending bus event (a task can time
// out with nothing else happening).
func (l *Listener) globalTimeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			contracts, err := l.loadActiveContracts()
			if err != nil {
				l.logger.Warn("load active contracts failed", "error", err)
				continue
			}
			if l.recorder != nil {
				l.recorder.SetActiveContracts(len(contracts))
			}
			now := time.Now()
			for _, c := range contracts {
				if err := l.machine.CheckGlobalTimeout(c, now); err != nil {
					l.logger.Warn("global timeout check failed", "task_id", c.TaskID, "error", err)
				}
			}
		}
	}
}

// loadActiveContracts scans handoffDir for *.contract.json files and
// returns the non-terminal ones.
func (l *Listener) loadActiveContracts() ([]*contract.Contract, error) {
	entries, err := os.ReadDir(l.handoffDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listener: read handoff dir: %w", err)
	}

	var out []*contract.Contract
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".contract.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.handoffDir, entry.Name()))
		if err != nil {
			continue
		}
		var c contract.Contract
		if err := json.Unmarshal(data, &c); err != nil {
			l.logger.Warn("skipping unparsable contract", "file", entry.Name(), "error", err)
			continue
		}
		if c.Status.Terminal() {
			continue
		}
		out = append(out, &c)
	}
	return out, nil
}

// dispatch routes one bus message by type to the state machine and the
// appropriate broker adapter, per spec.md §4.8. QUESTION and STOP_TASK are
// handled inline since they're cheap and synchronous; the pipeline-driving
// types spawn a TrackWork-tracked goroutine so a later STOP_TASK for the
// same task can cancel them.
func (l *Listener) dispatch(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case vocabulary.MessageQuestion:
		l.handleQuestion(msg)
	case vocabulary.MessageStopTask:
		l.handleStopTask(ctx, msg)
	case vocabulary.MessageProposalReady:
		l.goTracked(ctx, "", func(ctx context.Context) { l.handleProposalReady(ctx, msg) })
	case vocabulary.MessageDraftReady:
		l.goTracked(ctx, draftTaskID(msg), func(ctx context.Context) { l.handleDraftReady(ctx, msg) })
	case vocabulary.MessageVerdictSignal:
		l.goTracked(ctx, verdictTaskID(msg), func(ctx context.Context) { l.handleVerdictSignal(ctx, msg) })
	case vocabulary.MessageReviewNeeded:
		l.goTracked(ctx, msg.Payload.Raw["task_id"], func(ctx context.Context) { l.handleReviewNeeded(ctx, msg) })
	default:
		l.logger.Debug("ignoring message type outside listener's inbox", "type", msg.Type)
	}
}

func draftTaskID(msg bus.Message) string {
	if msg.Payload.Draft != nil {
		return msg.Payload.Draft.TaskID
	}
	return ""
}

func verdictTaskID(msg bus.Message) string {
	if msg.Payload.Verdict != nil {
		return msg.Payload.Verdict.TaskID
	}
	return ""
}

// goTracked runs fn in its own goroutine under a context derived from ctx
// that a STOP_TASK for taskID can cancel, registering and releasing the
// work via TrackWork. A blank taskID (PROPOSAL_READY and REVIEW_NEEDED's
// untyped raw payload) still spawns the goroutine, just untracked — there
// is no task to cancel yet, or the id is only known after parsing inside
// fn.
func (l *Listener) goTracked(ctx context.Context, taskID any, fn func(context.Context)) {
	workCtx, cancel := context.WithCancel(ctx)
	var release func()
	if id, ok := taskID.(string); ok && id != "" {
		release = l.TrackWork(id, cancel)
	} else {
		release = func() {}
	}
	go func() {
		defer cancel()
		defer release()
		fn(workCtx)
	}()
}

// loadContract reads and unmarshals the contract for taskID from the
// handoff directory.
func (l *Listener) loadContract(taskID string) (*contract.Contract, error) {
	data, err := os.ReadFile(statemachine.ContractPath(l.handoffDir, taskID))
	if err != nil {
		return nil, fmt.Errorf("listener: read contract %s: %w", taskID, err)
	}
	var c contract.Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("listener: corrupt contract %s: %w", taskID, err)
	}
	return &c, nil
}

// handleProposalReady materializes a new contract from an operator-
// authored proposal and kicks off the first implementer cycle (spec.md
// §2: "The Listener asks the Contract layer to materialize a Task
// Contract, asks Git to open a task branch, and sets state to
// pending_implementer").
func (l *Listener) handleProposalReady(ctx context.Context, msg bus.Message) {
	if l.sequencer == nil || l.broker == nil {
		l.logger.Warn("PROPOSAL_READY received but no sequencer/broker configured", "id", msg.ID)
		return
	}
	if msg.Payload.Proposal == nil {
		l.logger.Warn("PROPOSAL_READY message missing payload", "id", msg.ID)
		return
	}
	p := msg.Payload.Proposal

	seq, err := l.sequencer.Next(p.Project)
	if err != nil {
		l.logger.Warn("allocate task sequence failed", "project", p.Project, "error", err)
		return
	}
	c, err := l.machine.Create(ctx, p, seq, l.baseBranch, time.Now())
	if err != nil {
		l.logger.Warn("create contract failed", "project", p.Project, "error", err)
		return
	}
	l.logger.Info("task contract created", "task_id", c.TaskID)
	l.runImplementer(ctx, c, "")
}

// runImplementer transitions c into implementation_in_progress and runs
// the implementer role, then hands the result to processDraftReady. It is
// also the retry path: draft rejection and local-review failure both loop
// back here with a rebuttalNote explaining what to fix.
func (l *Listener) runImplementer(ctx context.Context, c *contract.Contract, rebuttalNote string) {
	if err := l.machine.Apply(ctx, c, statemachine.EventImplStarted, statemachine.ApplyParams{
		Actor:  l.agentID,
		Reason: "dispatching implementer",
	}, time.Now()); err != nil {
		l.logger.Warn("apply impl_started failed", "task_id", c.TaskID, "error", err)
		return
	}

	result, err := l.broker.RunImplementer(ctx, broker.ImplementerRequest{Contract: c, RebuttalNote: rebuttalNote})
	if err != nil {
		l.logger.Warn("implementer run failed", "task_id", c.TaskID, "error", err)
		return
	}

	c.Breaker.CostUSD += statemachine.UpdateCost(result.TokensIn, result.TokensOut, result.Model)
	c.Breaker.TokensUsed += result.TokensIn + result.TokensOut
	c.HandoffData.LastImplementerHash = result.ContentHash

	if l.gate == nil {
		l.logger.Warn("draft produced but no gate configured", "task_id", c.TaskID)
		return
	}
	draftResult, err := l.gate.Handle(c.TaskID, l.agentID)
	if err != nil {
		l.logger.Warn("gate handle failed", "task_id", c.TaskID, "error", err)
		return
	}
	l.processDraftReady(ctx, c, draftResult)
}

// processDraftReady applies the Gate's decision to c and advances the
// pipeline: an accepted draft moves to local review, a rejected one loops
// back to the implementer, an escalated one is already terminal
// (draft_escalated transitions straight to erik_consultation).
func (l *Listener) processDraftReady(ctx context.Context, c *contract.Contract, result *sandbox.Result) {
	now := time.Now()
	var changed []string
	if result.Path != "" {
		changed = []string{result.Path}
	}

	switch result.Decision {
	case sandbox.DecisionAccept:
		err := l.machine.Apply(ctx, c, statemachine.EventDraftAccepted, statemachine.ApplyParams{
			Actor:        l.agentID,
			Reason:       result.Reason,
			ChangedFiles: changed,
			Breaker:      breaker.Inputs{ChangedFiles: changed},
		}, now)
		if err != nil {
			l.logger.Warn("apply draft_accepted failed", "task_id", c.TaskID, "error", err)
			return
		}
		l.runLocalReview(ctx, c, result.Path)
	case sandbox.DecisionReject:
		if err := l.machine.Apply(ctx, c, statemachine.EventDraftRejected, statemachine.ApplyParams{
			Actor: l.agentID, Reason: result.Reason,
		}, now); err != nil {
			l.logger.Warn("apply draft_rejected failed", "task_id", c.TaskID, "error", err)
			return
		}
		l.runImplementer(ctx, c, "previous draft rejected: "+result.Reason)
	case sandbox.DecisionEscalate:
		if err := l.machine.Apply(ctx, c, statemachine.EventDraftEscalated, statemachine.ApplyParams{
			Actor: l.agentID, Reason: result.Reason,
		}, now); err != nil {
			l.logger.Warn("apply draft_escalated failed", "task_id", c.TaskID, "error", err)
		}
	}
}

// handleDraftReady is DRAFT_READY's bus entrypoint: an implementer running
// out-of-process submitted a draft directly to the sandbox and is
// announcing it, rather than this Listener having just run the
// implementer itself.
func (l *Listener) handleDraftReady(ctx context.Context, msg bus.Message) {
	if l.gate == nil {
		l.logger.Warn("DRAFT_READY received but no gate configured", "id", msg.ID)
		return
	}
	taskID := draftTaskID(msg)
	if taskID == "" {
		l.logger.Warn("DRAFT_READY missing task_id", "id", msg.ID)
		return
	}
	c, err := l.loadContract(taskID)
	if err != nil {
		l.logger.Warn("load contract for DRAFT_READY failed", "task_id", taskID, "error", err)
		return
	}
	result, err := l.gate.Handle(taskID, msg.From)
	if err != nil {
		l.logger.Warn("gate handle failed", "task_id", taskID, "error", err)
		return
	}
	l.processDraftReady(ctx, c, result)
}

// runLocalReview runs the local-review role over draftPath and advances
// the contract on pass/fail.
func (l *Listener) runLocalReview(ctx context.Context, c *contract.Contract, draftPath string) {
	if l.broker == nil {
		l.logger.Warn("draft accepted but no broker configured for local review", "task_id", c.TaskID)
		return
	}
	result, err := l.broker.RunLocalReview(ctx, broker.LocalReviewRequest{Contract: c, DraftPath: draftPath})
	if err != nil {
		l.logger.Warn("local review run failed", "task_id", c.TaskID, "error", err)
		return
	}
	c.Breaker.CostUSD += statemachine.UpdateCost(result.TokensIn, result.TokensOut, result.Model)
	c.Breaker.TokensUsed += result.TokensIn + result.TokensOut

	cycleInputs := breaker.Inputs{RecentReviewCycles: []breaker.ReviewCycle{{Issues: result.Issues}}}
	if result.Pass {
		if err := l.machine.Apply(ctx, c, statemachine.EventLocalPass, statemachine.ApplyParams{
			Actor: l.agentID, Reason: "local review passed", Breaker: cycleInputs,
		}, time.Now()); err != nil {
			l.logger.Warn("apply local_pass failed", "task_id", c.TaskID, "error", err)
			return
		}
		l.startJudgeReview(ctx, c)
		return
	}
	if err := l.machine.Apply(ctx, c, statemachine.EventLocalFail, statemachine.ApplyParams{
		Actor: l.agentID, Reason: "local review failed", Breaker: cycleInputs,
	}, time.Now()); err != nil {
		l.logger.Warn("apply local_fail failed", "task_id", c.TaskID, "error", err)
		return
	}
	l.runImplementer(ctx, c, "local review failed")
}

// startJudgeReview transitions into judge_review_in_progress (bumping
// review_cycle_count, trigger 9's input) and runs the judge role.
func (l *Listener) startJudgeReview(ctx context.Context, c *contract.Contract) {
	if err := l.machine.Apply(ctx, c, statemachine.EventReviewStarted, statemachine.ApplyParams{
		Actor: l.agentID, Reason: "starting judge review", ReviewCycleDelta: 1,
	}, time.Now()); err != nil {
		l.logger.Warn("apply review_started failed", "task_id", c.TaskID, "error", err)
		return
	}
	if l.broker == nil {
		l.logger.Warn("review started but no broker configured for judge", "task_id", c.TaskID)
		return
	}
	result, err := l.broker.RunJudge(ctx, broker.JudgeRequest{Contract: c})
	if err != nil {
		l.logger.Warn("judge run failed", "task_id", c.TaskID, "error", err)
		return
	}
	c.Breaker.CostUSD += statemachine.UpdateCost(result.TokensIn, result.TokensOut, result.Model)
	c.Breaker.TokensUsed += result.TokensIn + result.TokensOut
	l.applyVerdict(ctx, c, result)
}

// applyVerdict maps a judge verdict onto the matching transition event and
// advances the contract: pass merges, fail-with-cycles starts a rebuttal
// round, and critical_halt lands in erik_consultation.
func (l *Listener) applyVerdict(ctx context.Context, c *contract.Contract, result broker.JudgeResult) {
	now := time.Now()
	in := breaker.Inputs{
		CurrentContentHash: result.ContentHash,
		RecentReviewCycles: []breaker.ReviewCycle{{Issues: result.Issues}},
	}
	c.Breaker.LastJudgeHashes = append(c.Breaker.LastJudgeHashes, result.ContentHash)

	switch result.Verdict {
	case broker.VerdictPass:
		if err := l.machine.Apply(ctx, c, statemachine.EventVerdictPass, statemachine.ApplyParams{
			Actor: l.agentID, Reason: "judge verdict: pass", Breaker: in,
		}, now); err != nil {
			l.logger.Warn("apply verdict_pass failed", "task_id", c.TaskID, "error", err)
			return
		}
		if err := l.machine.Merge(ctx, c, l.agentID, time.Now()); err != nil {
			l.logger.Warn("merge failed", "task_id", c.TaskID, "error", err)
		}
	case broker.VerdictFailWithCycles:
		if err := l.machine.Apply(ctx, c, statemachine.EventFailWithCyclesLeft, statemachine.ApplyParams{
			Actor: l.agentID, Reason: "judge verdict: fail with cycles left", RebuttalDelta: 1, Breaker: in,
		}, now); err != nil {
			l.logger.Warn("apply fail_with_cycles_left failed", "task_id", c.TaskID, "error", err)
			return
		}
		l.runRebuttal(ctx, c, result)
	case broker.VerdictCriticalHalt:
		if err := l.machine.Apply(ctx, c, statemachine.EventVerdictCriticalHalt, statemachine.ApplyParams{
			Actor: l.agentID, Reason: "judge verdict: critical halt", Breaker: in,
		}, now); err != nil {
			l.logger.Warn("apply verdict_critical_halt failed", "task_id", c.TaskID, "error", err)
		}
	default:
		l.logger.Warn("unrecognized broker verdict", "task_id", c.TaskID, "verdict", result.Verdict)
	}
}

// runRebuttal resolves the pending_rebuttal step and sends the task back
// to the implementer carrying the judge's report as rebuttal context.
func (l *Listener) runRebuttal(ctx context.Context, c *contract.Contract, result broker.JudgeResult) {
	c.HandoffData.JudgeReportPath = result.Report
	if err := l.machine.Apply(ctx, c, statemachine.EventRebuttalResolved, statemachine.ApplyParams{
		Actor: l.agentID, Reason: "rebuttal round opened",
	}, time.Now()); err != nil {
		l.logger.Warn("apply rebuttal_resolved failed", "task_id", c.TaskID, "error", err)
		return
	}
	l.runImplementer(ctx, c, result.Report)
}

// handleVerdictSignal is VERDICT_SIGNAL's bus entrypoint: a judge running
// out-of-process (or a human reviewer) posts its verdict directly rather
// than this Listener having run broker.RunJudge itself.
func (l *Listener) handleVerdictSignal(ctx context.Context, msg bus.Message) {
	if msg.Payload.Verdict == nil {
		l.logger.Warn("VERDICT_SIGNAL missing payload", "id", msg.ID)
		return
	}
	if l.broker == nil {
		l.logger.Warn("VERDICT_SIGNAL received but no broker configured", "id", msg.ID)
		return
	}
	v := msg.Payload.Verdict
	c, err := l.loadContract(v.TaskID)
	if err != nil {
		l.logger.Warn("load contract for VERDICT_SIGNAL failed", "task_id", v.TaskID, "error", err)
		return
	}
	l.applyVerdict(ctx, c, broker.JudgeResult{Verdict: busVerdictToBroker(v.Verdict), Report: v.Report})
}

// busVerdictToBroker maps vocabulary.Verdict (the bus wire vocabulary) onto
// broker.Verdict (the internal pipeline vocabulary): CONDITIONAL carries
// the same "fail, cycles remain" meaning as fail_with_cycles_left.
func busVerdictToBroker(v vocabulary.Verdict) broker.Verdict {
	switch v {
	case vocabulary.VerdictPass:
		return broker.VerdictPass
	case vocabulary.VerdictCriticalHalt:
		return broker.VerdictCriticalHalt
	default:
		return broker.VerdictFailWithCycles
	}
}

// handleReviewNeeded is REVIEW_NEEDED's bus entrypoint: a local reviewer
// running out-of-process announces it's ready to review the draft
// currently sitting in pending_local_review.
func (l *Listener) handleReviewNeeded(ctx context.Context, msg bus.Message) {
	taskID, _ := msg.Payload.Raw["task_id"].(string)
	if taskID == "" {
		l.logger.Warn("REVIEW_NEEDED missing task_id", "id", msg.ID)
		return
	}
	c, err := l.loadContract(taskID)
	if err != nil {
		l.logger.Warn("load contract for REVIEW_NEEDED failed", "task_id", taskID, "error", err)
		return
	}
	var draftPath string
	if len(c.HandoffData.ChangedFiles) > 0 {
		draftPath = c.HandoffData.ChangedFiles[0]
	}
	l.runLocalReview(ctx, c, draftPath)
}

func (l *Listener) handleQuestion(msg bus.Message) {
	if msg.Payload.Question == nil {
		l.logger.Warn("QUESTION message missing payload", "id", msg.ID)
		return
	}
	if !l.autoAnswer {
		l.logger.Info("QUESTION left for operator", "id", msg.ID, "prompt", msg.Payload.Question.Prompt)
		return
	}

	answer := bus.Message{
		Type: vocabulary.MessageAnswer,
		From: l.agentID,
		To:   msg.From,
		Payload: bus.Payload{
			Answer: &bus.AnswerPayload{
				QuestionID:     msg.Payload.Question.QuestionID,
				SelectedOption: 0,
			},
		},
	}
	if _, err := l.bus.Send(answer); err != nil {
		l.logger.Warn("auto-answer failed", "id", msg.ID, "error", err)
		return
	}
	if l.recorder != nil {
		l.recorder.RecordMessageSent()
	}
}

// handleStopTask cancels the task's active work context, if tracked, then
// waits stopGrace; if the task is still tracked after that, it logs a
// force-kill and hands the contract to forceKill.
func (l *Listener) handleStopTask(ctx context.Context, msg bus.Message) {
	taskID := msg.Payload.Raw["task_id"]
	taskIDStr, _ := taskID.(string)
	if taskIDStr == "" {
		l.logger.Warn("STOP_TASK missing task_id", "id", msg.ID)
		return
	}

	l.mu.Lock()
	cancel, ok := l.active[taskIDStr]
	l.mu.Unlock()
	if !ok {
		l.logger.Debug("STOP_TASK for untracked task", "task_id", taskIDStr)
		return
	}
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(l.stopGrace):
		l.mu.Lock()
		_, stillActive := l.active[taskIDStr]
		l.mu.Unlock()
		if stillActive {
			l.logger.Warn("task did not exit within grace period, treating as force-killed", "task_id", taskIDStr, "grace", l.stopGrace)
			l.forceKill(ctx, taskIDStr)
		}
	}
}

// forceKill transitions taskID's contract to erik_consultation after a
// STOP_TASK force-kill, per spec.md §4.8: "a failure in this path
// transitions the task to erik_consultation rather than leaving state
// stale."
func (l *Listener) forceKill(ctx context.Context, taskID string) {
	c, err := l.loadContract(taskID)
	if err != nil {
		l.logger.Warn("force-kill: load contract failed", "task_id", taskID, "error", err)
		return
	}
	reason := fmt.Sprintf("force-killed after %s stop grace period elapsed", l.stopGrace)
	if err := l.machine.Apply(ctx, c, statemachine.EventBreakerTripped, statemachine.ApplyParams{
		Actor: l.agentID, Reason: reason,
	}, time.Now()); err != nil {
		l.logger.Warn("force-kill: apply breaker_tripped failed", "task_id", taskID, "error", err)
	}
}

// TrackWork registers a cancel function for taskID so a STOP_TASK message
// can interrupt it; the caller is responsible for calling the returned
// release func when the work completes.
func (l *Listener) TrackWork(taskID string, cancel context.CancelFunc) (release func()) {
	l.mu.Lock()
	l.active[taskID] = cancel
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.active, taskID)
		l.mu.Unlock()
	}
}
