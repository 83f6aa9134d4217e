// Package scenario implements the execution engine: the state machine that
// drives one procedure run, converts step failures into recovery cycles
// against memory and the decision oracle, escalates to a human over the
// coordination channel when everything else is exhausted, and consolidates
// successful recoveries back into memory.
package scenario

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/scenago/agent/contract"
	procedurex "github.com/tanpawarit/scenago/agent/procedure"
	statex "github.com/tanpawarit/scenago/agent/state"
)

// ReasonCancelled is the terminal failure reason of an externally cancelled
// execution.
const ReasonCancelled = "cancelled"

// Deps are the collaborators injected at construction. Capabilities,
// Oracle, Memory, Embedder and Coordinator are required; Observer and Store
// are optional.
type Deps struct {
	Capabilities contractx.CapabilityProvider
	Oracle       contractx.DecisionOracle
	Memory       contractx.MemoryStore
	Embedder     contractx.Embedder
	Coordinator  contractx.Coordinator
	Observer     contractx.Observer
	Store        statex.Store
}

func (d Deps) validate() error {
	if d.Capabilities == nil {
		return fmt.Errorf("%w: capability provider is required", contractx.ErrValidation)
	}
	if d.Oracle == nil {
		return fmt.Errorf("%w: decision oracle is required", contractx.ErrValidation)
	}
	if d.Memory == nil {
		return fmt.Errorf("%w: memory store is required", contractx.ErrValidation)
	}
	if d.Embedder == nil {
		return fmt.Errorf("%w: embedder is required", contractx.ErrValidation)
	}
	if d.Coordinator == nil {
		return fmt.Errorf("%w: coordinator is required", contractx.ErrValidation)
	}
	return nil
}

// pendingFix is the recovery outcome awaiting confirmation: once the
// execution makes forward progress it is consolidated into memory.
type pendingFix struct {
	situation     string
	appliedFix    string
	usedCandidate *contractx.SolvedProblem
}

// lastFailure survives a suspension so the post-answer recovery cycle still
// knows what went wrong.
type lastFailure struct {
	stepIndex   int
	stepName    string
	kind        contractx.FailureKind
	text        string
	historyText string
	envSnapshot string
	candidates  []contractx.SolvedProblem
}

type answered struct {
	requestID string
	answer    string
}

// Engine owns one ScenarioExecution. All state transitions happen on the
// Run goroutine; ResolveHuman and Cancel are the only cross-goroutine entry
// points and are safe to call concurrently.
type Engine struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	exec *statex.ScenarioExecution
	proc *procedurex.Procedure

	answerCh   chan answered
	cancelCh   chan struct{}
	cancelOnce sync.Once

	failure *lastFailure
	pending *pendingFix

	// Stagnation guard over consecutive identical retry decisions.
	lastRetrySignature string
	sameRetryStreak    int

	consultOnce   sync.Once
	consultRunner consultRunner
	consultErr    error

	consolidations int
}

// NewEngine validates parameters against the procedure and creates the
// execution in Running at step 0. Nothing is persisted and no goroutine is
// started until Run.
func NewEngine(proc *procedurex.Procedure, sessionID string, params map[string]any, deps Deps, cfg Config) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, fmt.Errorf("%w: procedure is nil", contractx.ErrValidation)
	}
	if missing := proc.MissingParams(params); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required parameters %s for procedure %s",
			contractx.ErrInvalidParameters, strings.Join(missing, ", "), proc.ID)
	}

	return &Engine{
		cfg:      cfg.normalized(),
		deps:     deps,
		exec:     statex.NewExecution(sessionID, proc, params, time.Now()),
		proc:     proc,
		answerCh: make(chan answered, 1),
		cancelCh: make(chan struct{}),
	}, nil
}

// ExecutionID returns the id of the owned execution.
func (e *Engine) ExecutionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.ID
}

// SessionID returns the owning session.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.SessionID
}

// Terminal reports whether the execution reached Succeeded or Failed.
func (e *Engine) Terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Terminal()
}

// Status returns the current state-machine position.
func (e *Engine) Status() statex.ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Status
}

// History returns a copy of the append-only attempt history.
func (e *Engine) History() []statex.StepAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]statex.StepAttempt, len(e.exec.Attempts))
	copy(out, e.exec.Attempts)
	return out
}

// OpenRequestID returns the id of the open human request, if any.
func (e *Engine) OpenRequestID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec.OpenRequest == nil {
		return "", false
	}
	return e.exec.OpenRequest.ID, true
}

// Outcome returns the terminal result, or ErrNotTerminal while the
// execution is still in flight.
func (e *Engine) Outcome() (statex.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec.Outcome == nil {
		return statex.Outcome{}, contractx.ErrNotTerminal
	}
	return *e.exec.Outcome, nil
}

// Consolidations reports how many solved-problem episodes this execution
// wrote back into memory.
func (e *Engine) Consolidations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consolidations
}

// HistorySummary renders the execution for post-run analysis: goal,
// parameters, the full attempt history, and any human answers.
func (e *Engine) HistorySummary() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", e.exec.Goal)
	fmt.Fprintf(&b, "Procedure: %s\n", e.exec.ProcedureID)
	if len(e.exec.Params) > 0 {
		fmt.Fprintf(&b, "Parameters: %v\n", e.exec.Params)
	}
	for id, answer := range e.exec.ResolvedRequests {
		if answer != "" {
			fmt.Fprintf(&b, "Human answer (request %s): %s\n", id, answer)
		}
	}
	b.WriteString("\n")
	b.WriteString(e.exec.RenderHistory(0))
	return b.String()
}

// HasRequest reports whether requestID belongs to this execution, either as
// the open request or an already-resolved one. Used by the supervisor to
// route inbound replies.
func (e *Engine) HasRequest(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec.OpenRequest != nil && e.exec.OpenRequest.ID == requestID {
		return true
	}
	_, resolved := e.exec.ResolvedRequests[requestID]
	return resolved
}

// ResolveHuman records the operator's answer for the open request and wakes
// the suspended Run loop. Duplicate deliveries of an already-resolved id
// are no-ops; anything else mismatched is a StaleRequest.
func (e *Engine) ResolveHuman(requestID, answer string) error {
	e.mu.Lock()
	resolved, err := e.exec.ResolveRequest(requestID, answer, time.Now())
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}
	select {
	case e.answerCh <- answered{requestID: requestID, answer: answer}:
	default:
		// The loop is already waking up for a previous signal.
	}
	return nil
}

// Cancel requests immediate termination. Idempotent; honored at the next
// loop checkpoint and inside any in-flight capability or oracle call.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

func (e *Engine) cancelled() bool {
	select {
	case <-e.cancelCh:
		return true
	default:
		return false
	}
}

// Run drives the execution to a terminal state and returns its outcome.
// Must be called exactly once.
func (e *Engine) Run(ctx context.Context) (statex.Outcome, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-e.cancelCh:
			stop()
		case <-runCtx.Done():
		}
	}()

	for {
		if e.Terminal() {
			break
		}
		if e.cancelled() || runCtx.Err() != nil {
			e.fail(ReasonCancelled)
			break
		}

		e.mu.Lock()
		status := e.exec.Status
		e.mu.Unlock()

		switch status {
		case statex.StatusRunning:
			e.advance(runCtx)
		case statex.StatusRecovering:
			e.recover(runCtx)
		case statex.StatusSuspended:
			e.awaitAnswer(runCtx)
		default:
			e.fail(fmt.Sprintf("unexpected status %s", status))
		}
	}

	e.persist(context.WithoutCancel(ctx))

	e.mu.Lock()
	outcome := *e.exec.Outcome
	e.mu.Unlock()
	return outcome, nil
}

// advance executes the current step and classifies the result.
func (e *Engine) advance(ctx context.Context) {
	e.mu.Lock()
	step, ok := e.exec.Step()
	stepIndex := e.exec.CurrentStep
	params := e.exec.Params
	results := e.exec.Results
	e.mu.Unlock()

	if !ok {
		e.succeed()
		return
	}

	e.emit(contractx.EventStepStarted, stepIndex, step.Name, "")

	inputs, err := procedurex.ResolveInputs(step, params, results)
	if err != nil {
		e.recordFailure(ctx, stepIndex, step, inputs, contractx.FailureHard, fmt.Sprintf("input resolution: %v", err))
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	result, err := e.deps.Capabilities.Invoke(stepCtx, step.Capability, inputs)
	cancel()
	if err != nil {
		if e.cancelled() || ctx.Err() != nil {
			return
		}
		e.recordFailure(ctx, stepIndex, step, inputs, contractx.FailureHard, err.Error())
		return
	}

	satisfied, perr := procedurex.EvalPredicate(step.SuccessWhen, procedurex.PredicateEnv{
		Params: params,
		Inputs: inputs,
		Result: result.Output,
	})
	if perr != nil {
		e.recordFailure(ctx, stepIndex, step, inputs, contractx.FailureSoft, fmt.Sprintf("success predicate error: %v", perr))
		return
	}
	if !satisfied {
		e.recordFailure(ctx, stepIndex, step, inputs, contractx.FailureSoft,
			fmt.Sprintf("success predicate %q unmet", step.SuccessWhen))
		return
	}

	now := time.Now()
	e.mu.Lock()
	e.exec.AppendAttempt(statex.StepAttempt{
		StepIndex:  stepIndex,
		StepName:   step.Name,
		Capability: step.Capability,
		Inputs:     inputs,
		Result:     result.Output,
		Timestamp:  now,
	})
	e.exec.CurrentStep++
	done := e.exec.CurrentStep >= len(e.exec.Steps)
	e.exec.Touch(now)
	e.mu.Unlock()

	e.emit(contractx.EventStepSucceeded, stepIndex, step.Name, "")
	e.consolidatePending(ctx)
	e.persist(ctx)

	if done {
		e.succeed()
	}
}

// recordFailure appends the failed attempt and transitions into Recovering
// with a fresh context snapshot. Failures never propagate out of the
// engine.
func (e *Engine) recordFailure(ctx context.Context, stepIndex int, step procedurex.Step, inputs map[string]any, kind contractx.FailureKind, failureText string) {
	env := e.deps.Capabilities.DescribeState(ctx)
	now := time.Now()

	e.mu.Lock()
	e.exec.AppendAttempt(statex.StepAttempt{
		StepIndex:   stepIndex,
		StepName:    step.Name,
		Capability:  step.Capability,
		Inputs:      inputs,
		Failure:     failureText,
		FailureKind: kind,
		Note:        env,
		Timestamp:   now,
	})
	historyText := e.exec.RenderHistory(e.cfg.HistoryWindow)
	rcErr := e.exec.EnterRecovering(&statex.RecoveryContext{
		StepIndex:   stepIndex,
		StepName:    step.Name,
		FailureKind: kind,
		FailureText: failureText,
		HistoryText: historyText,
		EnvSnapshot: env,
	}, now)
	e.mu.Unlock()

	// A pending fix that ends in another failure is consolidated with the
	// failed outcome so memory learns what did not work.
	e.consolidateFailed(ctx, failureText)

	if rcErr != nil {
		log.Error().Err(rcErr).Str("execution_id", e.ExecutionID()).Msg("scenario: recovery transition rejected")
		e.fail(fmt.Sprintf("recovery transition rejected: %v", rcErr))
		return
	}

	e.emit(contractx.EventStepFailed, stepIndex, step.Name, failureText)
	e.emit(contractx.EventRecoveryEntered, stepIndex, step.Name, string(kind))
	e.persist(ctx)
}

func (e *Engine) succeed() {
	e.mu.Lock()
	var finalResult map[string]any
	if n := len(e.exec.Attempts); n > 0 {
		finalResult = e.exec.Attempts[n-1].Result
	}
	err := e.exec.Succeed(finalResult, time.Now())
	exec := e.exec
	e.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("scenario: succeed transition rejected")
		return
	}
	e.emitTerminal()
}

func (e *Engine) fail(reason string) {
	e.mu.Lock()
	err := e.exec.Fail(reason, time.Now())
	e.mu.Unlock()
	if err != nil {
		return
	}
	e.emitTerminal()
}

func (e *Engine) emit(typ contractx.EventType, stepIndex int, stepName, detail string) {
	if e.deps.Observer == nil {
		return
	}
	e.mu.Lock()
	ev := contractx.Event{
		Type:        typ,
		ExecutionID: e.exec.ID,
		SessionID:   e.exec.SessionID,
		StepIndex:   stepIndex,
		StepName:    stepName,
		Detail:      detail,
		At:          time.Now().UTC(),
	}
	e.mu.Unlock()
	e.deps.Observer.OnEvent(ev)
}

func (e *Engine) emitTerminal() {
	if e.deps.Observer == nil {
		return
	}
	e.mu.Lock()
	outcome := e.exec.Outcome
	ev := contractx.Event{
		Type:        contractx.EventTerminal,
		ExecutionID: e.exec.ID,
		SessionID:   e.exec.SessionID,
		At:          time.Now().UTC(),
	}
	if outcome != nil {
		ev.Detail = string(outcome.Status)
		ev.Summary = map[string]any{
			"status":          string(outcome.Status),
			"reason":          outcome.Reason,
			"succeeded_steps": outcome.SucceededSteps,
			"substitutions":   outcome.Substitutions,
			"final_result":    outcome.FinalResult,
		}
	}
	e.mu.Unlock()
	e.deps.Observer.OnEvent(ev)
}

// persist snapshots the execution through the store contract. The deep copy
// is taken under the lock so the store never sees fields mid-mutation from a
// concurrent ResolveHuman. Best effort; persistence failure never alters
// engine behavior.
func (e *Engine) persist(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}
	e.mu.Lock()
	snapshot, err := e.exec.Snapshot()
	e.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("scenario: snapshot copy failed")
		return
	}
	if err := e.deps.Store.Save(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("execution_id", snapshot.ID).Msg("scenario: snapshot save failed")
	}
}
