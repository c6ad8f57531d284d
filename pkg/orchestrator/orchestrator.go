// Package orchestrator drives mimic challenge sessions: engine and
// challenger advance in lock-step under identical stimuli, every state
// digest is committed before it can matter, and after the reveal phase the
// four separation tests are scored into a sealed verdict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mimicproof/core/pkg/audit"
	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/closure"
	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
	"github.com/mimicproof/core/pkg/ledger"
	"github.com/mimicproof/core/pkg/mdl"
	"github.com/mimicproof/core/pkg/observability"
	"github.com/mimicproof/core/pkg/oracle"
	"github.com/mimicproof/core/pkg/party"
	"github.com/mimicproof/core/pkg/stress"
)

// timeoutPenalty is the task error charged for a step the party never
// produced.
const timeoutPenalty = 1.0

// Weights is the published verdict weighting. It is part of the protocol
// config committed to the ledger at session start and is never tuned per
// run.
type Weights struct {
	Closure  float64 `json:"closure"`
	Stress   float64 `json:"stress"`
	Diagonal float64 `json:"diagonal"`
	MDL      float64 `json:"mdl"`
}

func (w Weights) withDefaults() Weights {
	if w.Closure == 0 && w.Stress == 0 && w.Diagonal == 0 && w.MDL == 0 {
		return Weights{Closure: 0.25, Stress: 0.35, Diagonal: 0.2, MDL: 0.2}
	}
	return w
}

func (w Weights) of(kind contracts.TestKind) float64 {
	switch kind {
	case contracts.TestClosure:
		return w.Closure
	case contracts.TestStress:
		return w.Stress
	case contracts.TestDiagonal:
		return w.Diagonal
	case contracts.TestMDL:
		return w.MDL
	}
	return 0
}

// Config carries one session's protocol parameters.
type Config struct {
	SessionID string
	Steps     uint64
	Seed      int64

	// Trajectory generates the per-step task objective both parties chase.
	// Defaults to sin(0.1 * step).
	Trajectory func(step uint64) float64

	Stress  stress.Schedule
	Ledger  ledger.Config
	Closure closure.Config
	Oracle  oracle.Config
	Weights Weights

	// StepTimeout bounds each party invocation; a step that exhausts the
	// timeout and its retries is scored as that party's failure, not a
	// protocol crash.
	StepTimeout time.Duration
	StepRetries int

	// StepsPerSecond paces party invocation. Zero means unpaced.
	StepsPerSecond float64

	// MatchTolerance is the maximum mean output divergence under which the
	// challenger counts as behaviorally matching the engine, admitting its
	// description as a transcript bound in the MDL margin.
	MatchTolerance float64
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = uuid.New().String()
	}
	if c.Steps == 0 {
		c.Steps = 100
	}
	if c.Trajectory == nil {
		c.Trajectory = func(step uint64) float64 { return math.Sin(0.1 * float64(step)) }
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 2 * time.Second
	}
	if c.StepRetries == 0 {
		c.StepRetries = 1
	}
	if c.MatchTolerance == 0 {
		c.MatchTolerance = 0.05
	}
	c.Weights = c.Weights.withDefaults()
	return c
}

// protocolBody is the published protocol config whose hash roots both
// ledgers' chains. Anything here is fixed before step one.
type protocolBody struct {
	SessionID string          `json:"session_id"`
	Steps     uint64          `json:"steps"`
	Seed      int64           `json:"seed"`
	Schedule  stress.Schedule `json:"schedule"`
	Ledger    ledger.Config   `json:"ledger"`
	Closure   closure.Config  `json:"closure"`
	Oracle    oracle.Config   `json:"oracle"`
	Weights   Weights         `json:"weights"`
}

// Orchestrator runs challenge sessions under one protocol config.
type Orchestrator struct {
	cfg    Config
	audit  audit.Logger
	logger *slog.Logger
	clock  func() time.Time
	obs    *observability.Provider
}

// New builds an orchestrator. auditLog may be nil to discard audit events.
func New(cfg Config, auditLog audit.Logger, logger *slog.Logger) *Orchestrator {
	if auditLog == nil {
		auditLog = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		audit:  auditLog,
		logger: logger.With("component", "orchestrator"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithObservability attaches a telemetry provider. Sessions, steps, verdicts
// and integrity violations are recorded against it.
func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	o.obs = p
	return o
}

// partyRun is the per-party session state. Nothing in it is shared across
// sessions.
type partyRun struct {
	p       party.Party
	role    contracts.Role
	ledger  *ledger.Ledger
	harness *stress.Harness
	steps   []contracts.StepTrace
	faults  []contracts.Fault
	reveal  contracts.RevealEvidence
	tainted bool
}

// RunSession drives one lock-step session. challenger may be nil. The
// returned session carries full evidence streams even when the run aborts;
// audit trails are never discarded.
func (o *Orchestrator) RunSession(ctx context.Context, engine party.Engine, challenger party.Party) (*contracts.ChallengeSession, error) {
	cfg := o.cfg
	schedule := cfg.Stress.Randomize(cfg.Seed)
	if err := schedule.Validate(cfg.Steps); err != nil {
		return nil, err
	}

	protocolHash, err := canonicalize.CanonicalHash(protocolBody{
		SessionID: cfg.SessionID,
		Steps:     cfg.Steps,
		Seed:      cfg.Seed,
		Schedule:  schedule,
		Ledger:    cfg.Ledger,
		Closure:   cfg.Closure,
		Oracle:    cfg.Oracle,
		Weights:   cfg.Weights,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: protocol hash: %w", err)
	}
	scheduleBytes, err := canonicalize.JCS(schedule)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: schedule: %w", err)
	}
	projKey, err := canonicalize.DecodeHash(protocolHash)
	if err != nil {
		return nil, err
	}
	projector, err := crypto.NewProjector(projKey)
	if err != nil {
		return nil, err
	}

	session := &contracts.ChallengeSession{
		ID:             cfg.SessionID,
		Status:         contracts.SessionOpen,
		Steps:          cfg.Steps,
		Seed:           cfg.Seed,
		ProtocolHash:   protocolHash,
		StressSchedule: scheduleBytes,
		StartedAt:      o.clock(),
	}

	finishSpan := func(contracts.SessionStatus) {}
	if o.obs != nil {
		ctx, finishSpan = o.obs.TrackSession(ctx, session.ID)
	}
	defer func() { finishSpan(session.Status) }()

	engineRun, err := o.newPartyRun(engine, contracts.RoleEngine, cfg, schedule, protocolHash, projector)
	if err != nil {
		return nil, err
	}
	runs := []*partyRun{engineRun}
	var challengerRun *partyRun
	if challenger != nil {
		challengerRun, err = o.newPartyRun(challenger, contracts.RoleChallenger, cfg, schedule, protocolHash, projector)
		if err != nil {
			return nil, err
		}
		runs = append(runs, challengerRun)
	}

	verifier := closure.New(cfg.Closure)
	checksDue := make(map[uint64][]contracts.MorphismRecord)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.StepsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.StepsPerSecond), 1)
	}

	o.recordAudit(ctx, audit.Event{
		SessionID: session.ID,
		Type:      audit.EventSession,
		Action:    "session-start",
		Metadata:  map[string]interface{}{"protocol_hash": string(protocolHash), "steps": cfg.Steps, "seed": cfg.Seed},
	})

	stimuli := make([]contracts.Stimulus, 0, cfg.Steps)

	for step := uint64(1); step <= cfg.Steps; step++ {
		if err := limiter.Wait(ctx); err != nil {
			return o.abort(session, runs, err)
		}

		stimulus := contracts.Stimulus{Step: step, Target: cfg.Trajectory(step)}
		if engineRun.harness.MaskedAt(step) {
			stimulus.Masked = true
		} else {
			stimulus.Payload = contracts.EncodeScalar(stimulus.Target)
		}
		stimuli = append(stimuli, stimulus)

		for _, run := range runs {
			run.harness.Before(step, run.p)

			trace := o.stepParty(ctx, run, stimulus)
			if ctx.Err() != nil {
				return o.abort(session, runs, ctx.Err())
			}
			if o.obs != nil {
				o.obs.RecordStep(ctx, run.p.ID(), trace.Duration, trace.TimedOut)
			}

			_, salt, err := run.ledger.Commit(step, trace.Digest)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: commit %s step %d: %w", run.p.ID(), step, err)
			}
			run.p.HoldSalt(step, salt)
			if err := run.harness.Observe(step, trace.Error, trace.Digest); err != nil {
				return nil, err
			}
			run.steps = append(run.steps, trace)
		}

		// Rule synthesis is an engine-only capability; the challenger is
		// never offered it.
		m, err := engine.ProposeMorphism(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return o.abort(session, runs, ctx.Err())
			}
			return nil, fmt.Errorf("orchestrator: propose at step %d: %w", step, err)
		}
		if m != nil {
			if err := engineRun.ledger.RegisterMorphism(*m); err != nil {
				return nil, err
			}
			if err := verifier.Register(*m); err != nil {
				return nil, err
			}
			checksDue[m.ProducedAtStep+verifier.CheckDelta()] = append(checksDue[m.ProducedAtStep+verifier.CheckDelta()], *m)
			o.recordAudit(ctx, audit.Event{
				SessionID: session.ID,
				Party:     engine.ID(),
				Type:      audit.EventCommit,
				Action:    "morphism-registered",
				Step:      step,
				Metadata:  map[string]interface{}{"morphism": m.ID, "kind": m.Kind},
			})
		}

		for _, due := range checksDue[step] {
			applied, err := verifier.CheckApplied(ctx, engine, engineRun.ledger, due.ID, step)
			if err != nil {
				if ctx.Err() != nil {
					return o.abort(session, runs, ctx.Err())
				}
				return nil, err
			}
			if applied {
				if err := engineRun.ledger.MarkApplied(due.ID); err != nil {
					return nil, err
				}
			}
		}
	}

	// Session end: no further commits, every commitment opens.
	for _, run := range runs {
		run.ledger.Seal()
		o.revealAll(ctx, session, run)
		if ctx.Err() != nil {
			return o.abort(session, runs, ctx.Err())
		}
	}

	for _, run := range runs {
		if run.tainted {
			return o.taint(ctx, session, runs)
		}
	}

	return o.score(ctx, session, cfg, engineRun, challengerRun, verifier, stimuli, scheduleBytes)
}

func (o *Orchestrator) newPartyRun(p party.Party, role contracts.Role, cfg Config, schedule stress.Schedule, protocol contracts.Hash, projector *crypto.Projector) (*partyRun, error) {
	led := ledger.New(p.ID(), cfg.Ledger, crypto.NewRandomSaltSource())
	if err := led.BindProtocol(protocol); err != nil {
		return nil, err
	}
	return &partyRun{
		p:       p,
		role:    role,
		ledger:  led,
		harness: stress.NewHarness(schedule, projector, o.logger),
	}, nil
}

// stepParty invokes one party for one step under the per-step timeout,
// retrying up to the configured cap. A party that never answers is scored
// for the step, not crashed on.
func (o *Orchestrator) stepParty(ctx context.Context, run *partyRun, stimulus contracts.Stimulus) contracts.StepTrace {
	trace := contracts.StepTrace{Step: stimulus.Step}
	started := o.clock()

	for attempt := 0; attempt <= o.cfg.StepRetries; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		out, err := run.p.Step(stepCtx, stimulus)
		cancel()

		if err == nil {
			trace.Output = out.Output
			trace.Digest = out.StateDigest
			trace.Retries = attempt
			trace.Duration = o.clock().Sub(started)
			if v, decErr := contracts.DecodeScalar(out.Output); decErr == nil {
				trace.Error = math.Abs(v - stimulus.Target)
			} else {
				trace.Error = timeoutPenalty
			}
			return trace
		}
		if ctx.Err() != nil {
			return trace
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			o.logger.Warn("party step error", "party", run.p.ID(), "step", stimulus.Step, "err", err)
		}
		trace.Retries = attempt + 1
	}

	trace.TimedOut = true
	trace.Error = timeoutPenalty
	trace.Digest = canonicalize.HashBytes([]byte(fmt.Sprintf("step-timeout:%s:%d", run.p.ID(), stimulus.Step)))
	trace.Duration = o.clock().Sub(started)
	run.faults = append(run.faults, contracts.Fault{
		Code:   contracts.FaultTimeout,
		Step:   stimulus.Step,
		Party:  run.p.ID(),
		Detail: fmt.Sprintf("no step output within %d attempts", o.cfg.StepRetries+1),
	})
	return trace
}

// revealAll runs the reveal phase for one party. Deferral burns budget;
// a verification failure taints the run.
func (o *Orchestrator) revealAll(ctx context.Context, session *contracts.ChallengeSession, run *partyRun) {
	run.reveal.Total = run.ledger.Length()

	for step := uint64(1); step <= uint64(run.ledger.Length()); step++ {
		for {
			if ctx.Err() != nil {
				return
			}
			salt, err := run.p.Reveal(ctx, step)
			if errors.Is(err, contracts.ErrRevealDeferred) {
				run.reveal.Defers++
				_, exceeded, dErr := run.ledger.Defer(step)
				if dErr != nil {
					o.logger.Warn("defer bookkeeping", "party", run.p.ID(), "step", step, "err", dErr)
					break
				}
				o.recordAudit(ctx, audit.Event{
					SessionID: session.ID,
					Party:     run.p.ID(),
					Type:      audit.EventAnomaly,
					Action:    "reveal-deferred",
					Step:      step,
				})
				if exceeded {
					run.reveal.Exceeded = append(run.reveal.Exceeded, step)
					run.faults = append(run.faults, contracts.Fault{
						Code:   contracts.FaultIncomplete,
						Step:   step,
						Party:  run.p.ID(),
						Detail: "defer budget exceeded, reveal scored as failed",
					})
					break
				}
				continue
			}
			if err != nil {
				run.reveal.Missing = append(run.reveal.Missing, step)
				run.faults = append(run.faults, contracts.Fault{
					Code:   contracts.FaultIncomplete,
					Step:   step,
					Party:  run.p.ID(),
					Detail: fmt.Sprintf("reveal failed: %v", err),
				})
				break
			}

			ok, err := run.ledger.Reveal(step, salt)
			if errors.Is(err, contracts.ErrIntegrityViolation) || (err == nil && !ok) {
				run.tainted = true
				run.faults = append(run.faults, contracts.IntegrityFault(run.p.ID(), step, "salt does not open commitment"))
				if o.obs != nil {
					o.obs.RecordIntegrityViolation(ctx, run.p.ID())
				}
				o.recordAudit(ctx, audit.Event{
					SessionID: session.ID,
					Party:     run.p.ID(),
					Type:      audit.EventAnomaly,
					Action:    "integrity-violation",
					Step:      step,
				})
				return
			}
			if err != nil {
				o.logger.Warn("reveal bookkeeping", "party", run.p.ID(), "step", step, "err", err)
				break
			}
			run.reveal.Revealed++
			break
		}
	}
}

// revealResult renders the reveal evidence as a test result.
func revealResult(ev contracts.RevealEvidence) contracts.TestResult {
	tag := contracts.TestPass
	score := 1.0
	switch {
	case len(ev.Exceeded) > 0 || len(ev.Missing) > 0:
		tag = contracts.TestFail
		score = 0.0
	case ev.Defers > 0:
		tag = contracts.TestIncomplete
		score = 0.5
	}
	return contracts.TestResult{
		Kind:   contracts.TestReveal,
		Tag:    tag,
		Score:  score,
		Reveal: &ev,
	}
}

// abort flushes partial evidence and marks the session ABORTED. Records are
// never discarded.
func (o *Orchestrator) abort(session *contracts.ChallengeSession, runs []*partyRun, cause error) (*contracts.ChallengeSession, error) {
	for _, run := range runs {
		run.ledger.Seal()
		o.attachStream(session, run, nil)
	}
	session.Status = contracts.SessionAborted
	session.SealedAt = o.clock()
	o.recordAudit(context.Background(), audit.Event{
		SessionID: session.ID,
		Type:      audit.EventSession,
		Action:    "session-aborted",
		Metadata:  map[string]interface{}{"cause": cause.Error()},
	})
	return session, cause
}

// taint closes out a session whose reveal phase exposed tampering.
func (o *Orchestrator) taint(ctx context.Context, session *contracts.ChallengeSession, runs []*partyRun) (*contracts.ChallengeSession, error) {
	var fatal contracts.Fault
	for _, run := range runs {
		verdict := &contracts.Verdict{
			Party:     run.p.ID(),
			SessionID: session.ID,
			Anomalies: run.faults,
			Tag:       contracts.VerdictIndeterminate,
			CreatedAt: o.clock(),
		}
		if run.tainted {
			verdict.Tag = contracts.VerdictIntegrityViolation
			for _, f := range run.faults {
				if f.Fatal() {
					fatal = f
				}
			}
		}
		if o.obs != nil {
			o.obs.RecordVerdict(ctx, run.role, verdict.Tag)
		}
		o.attachStream(session, run, verdict)
	}
	session.Status = contracts.SessionTainted
	session.SealedAt = o.clock()
	o.recordAudit(ctx, audit.Event{
		SessionID: session.ID,
		Type:      audit.EventSession,
		Action:    "session-tainted",
	})
	return session, fatal
}

// score runs the post-reveal tests and seals the session.
func (o *Orchestrator) score(ctx context.Context, session *contracts.ChallengeSession, cfg Config, engineRun, challengerRun *partyRun, verifier *closure.Verifier, stimuli []contracts.Stimulus, scheduleBytes []byte) (*contracts.ChallengeSession, error) {
	oracleCfg := cfg.Oracle
	oracleCfg.Seed = cfg.Seed

	runs := []*partyRun{engineRun}
	if challengerRun != nil {
		runs = append(runs, challengerRun)
	}

	perTest := make(map[*partyRun][]contracts.TestResult)
	for _, run := range runs {
		stressRes := run.harness.Evaluate()

		orc := oracle.New(oracleCfg, run.ledger, o.logger)
		diagRes, err := orc.Interrogate(ctx, run.p, cfg.Steps)
		if err != nil {
			return o.abort(session, runs, err)
		}

		results := []contracts.TestResult{stressRes, diagRes, revealResult(run.reveal)}
		if run.role == contracts.RoleEngine {
			results = append([]contracts.TestResult{verifier.Result()}, results...)
		}
		perTest[run] = results
	}

	// MDL margin, attached to the engine's verdict: the separation claim
	// under test is about the engine's structure.
	public := publicInterfaceBytes(scheduleBytes, stimuli)
	estimator, err := mdl.NewEstimator(public)
	if err != nil {
		return nil, err
	}
	defer estimator.Close()

	structure, err := structureBytes(engineRun.ledger.Morphisms())
	if err != nil {
		return nil, err
	}
	inputs := mdl.Inputs{
		Transcript:      transcriptBytes(engineRun.steps),
		EngineDesc:      describe(engineRun.p),
		EngineStructure: structure,
	}
	if challengerRun != nil {
		divergence := meanDivergence(engineRun.steps, challengerRun.steps)
		inputs.ChallengerDesc = describe(challengerRun.p)
		inputs.Matched = divergence <= cfg.MatchTolerance
		o.logger.Info("behavioral divergence", "session", session.ID, "mean", divergence, "matched", inputs.Matched)
	}
	mdlRes := estimator.Margin(inputs)
	perTest[engineRun] = append(perTest[engineRun], mdlRes)
	if mdlRes.MDL.Disproved {
		engineRun.faults = append(engineRun.faults, contracts.Fault{
			Code:   contracts.FaultSeparationDisproved,
			Party:  engineRun.p.ID(),
			Detail: "challenger matched behavior with a strictly smaller description",
		})
	}

	for _, run := range runs {
		verdict := o.buildVerdict(run, session.ID, perTest[run], cfg.Weights)
		o.attachStream(session, run, &verdict)
		if o.obs != nil {
			o.obs.RecordVerdict(ctx, run.role, verdict.Tag)
		}
		o.recordAudit(ctx, audit.Event{
			SessionID: session.ID,
			Party:     run.p.ID(),
			Type:      audit.EventVerdict,
			Action:    string(verdict.Tag),
			Metadata:  map[string]interface{}{"aggregate_score": verdict.AggregateScore},
		})
	}

	session.Status = contracts.SessionSealed
	session.SealedAt = o.clock()
	return session, nil
}

// buildVerdict folds the per-test results into the published weighting.
// Indeterminate tests carry no weight; the remainder is renormalized.
func (o *Orchestrator) buildVerdict(run *partyRun, sessionID string, results []contracts.TestResult, weights Weights) contracts.Verdict {
	var weighted, total float64
	for _, res := range results {
		w := weights.of(res.Kind)
		if w == 0 || res.Tag == contracts.TestIndeterminate {
			continue
		}
		weighted += w * res.Score
		total += w
	}
	aggregate := 0.0
	if total > 0 {
		aggregate = weighted / total
	}

	return contracts.Verdict{
		Party:          run.p.ID(),
		SessionID:      sessionID,
		PerTest:        results,
		AggregateScore: aggregate,
		Tag:            verdictTag(results),
		Anomalies:      run.faults,
		CreatedAt:      o.clock(),
	}
}

// verdictTag applies the fixed precedence over test outcomes.
func verdictTag(results []contracts.TestResult) contracts.VerdictTag {
	byKind := make(map[contracts.TestKind]contracts.TestResult, len(results))
	for _, res := range results {
		byKind[res.Kind] = res
	}

	// Stress outranks closure here: a single session's closure score is a
	// component finding, while CLOSURE_FAIL proper is a rolling verdict over
	// sessions. An ablated session reads STRESS_FAIL even when the ablation
	// also zeroed the closure score.
	if res, ok := byKind[contracts.TestStress]; ok && res.Tag == contracts.TestFail {
		return contracts.VerdictStressFail
	}
	if res, ok := byKind[contracts.TestClosure]; ok && res.Tag == contracts.TestFail {
		return contracts.VerdictClosureFail
	}
	if res, ok := byKind[contracts.TestDiagonal]; ok && res.Tag == contracts.TestFail {
		return contracts.VerdictDiagonalFail
	}
	if res, ok := byKind[contracts.TestMDL]; ok && res.MDL != nil && res.MDL.Disproved {
		return contracts.VerdictSeparationDisproved
	}
	if res, ok := byKind[contracts.TestReveal]; ok && res.Tag != contracts.TestPass {
		return contracts.VerdictIncomplete
	}

	determinate := false
	for _, res := range results {
		if res.Tag == contracts.TestPass {
			determinate = true
		}
	}
	if !determinate {
		return contracts.VerdictIndeterminate
	}
	return contracts.VerdictStructureSupported
}

func (o *Orchestrator) attachStream(session *contracts.ChallengeSession, run *partyRun, verdict *contracts.Verdict) {
	stream := run.ledger.Stream(run.role)
	stream.Steps = run.steps
	stream.Stress = run.harness.Trace()
	stream.Verdict = verdict
	if run.role == contracts.RoleEngine {
		session.Engine = stream
	} else {
		session.Challenger = stream
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, e audit.Event) {
	if err := o.audit.Record(ctx, e); err != nil && ctx.Err() == nil {
		o.logger.Warn("audit record failed", "action", e.Action, "err", err)
	}
}
