package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/scenago/agent/contract"
	procedurex "github.com/tanpawarit/scenago/agent/procedure"
	statex "github.com/tanpawarit/scenago/agent/state"
)

type consultInput struct {
	Req contractx.OracleRequest

	// PreferenceScope/PreferenceKeys drive the learned-preference lookup
	// alongside the solved-problem retrieval.
	PreferenceScope string
	PreferenceKeys  []string
}

type consultOutput struct {
	Decision   contractx.Decision
	Candidates []contractx.SolvedProblem
	Fallback   bool
}

type consultRunner = compose.Runnable[*consultInput, *consultOutput]

// compileConsultGraph builds the recovery pipeline: retrieve similar solved
// problems, then consult the oracle with bounded retries. Oracle
// exhaustion degrades to an escalation decision instead of an error, so the
// recovery cycle itself never fails hard.
func (e *Engine) compileConsultGraph(ctx context.Context) (compose.Runnable[*consultInput, *consultOutput], error) {
	graph := compose.NewGraph[*consultInput, *consultOutput]()

	if err := graph.AddLambdaNode("retrieve_memory",
		compose.InvokableLambda(func(ctx context.Context, in *consultInput) (*consultInput, error) {
			if in == nil {
				return nil, fmt.Errorf("%w: consult input is nil", contractx.ErrValidation)
			}
			embedding, err := e.deps.Embedder.Embed(ctx, in.Req.FailureText)
			if err != nil {
				log.Warn().Err(err).Msg("scenario: embedding failed, skipping memory retrieval")
			} else {
				candidates, ferr := e.deps.Memory.FindSimilarSolutions(ctx, embedding, in.Req.ProcedureID, e.cfg.MemoryTopK)
				if ferr != nil {
					log.Warn().Err(ferr).Msg("scenario: memory retrieval failed")
				} else {
					in.Req.MemoryCandidates = candidates
				}
			}
			if len(in.PreferenceKeys) > 0 {
				prefs, perr := e.deps.Memory.FindPreferences(ctx, in.PreferenceScope, in.PreferenceKeys)
				if perr != nil {
					log.Warn().Err(perr).Msg("scenario: preference lookup failed")
				} else if len(prefs) > 0 {
					in.Req.Preferences = prefs
				}
			}
			return in, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add retrieve_memory node: %w", err)
	}

	if err := graph.AddLambdaNode("consult_oracle",
		compose.InvokableLambda(func(ctx context.Context, in *consultInput) (*consultOutput, error) {
			if in == nil {
				return nil, fmt.Errorf("%w: consult input is nil", contractx.ErrValidation)
			}
			out := &consultOutput{Candidates: in.Req.MemoryCandidates}

			var lastErr error
			for attempt := 0; attempt <= e.cfg.OracleRetries; attempt++ {
				callCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
				decision, err := e.deps.Oracle.Decide(callCtx, in.Req)
				cancel()
				if err == nil {
					out.Decision = decision
					return out, nil
				}
				lastErr = err
				if !errors.Is(err, contractx.ErrOracleUnavailable) && !errors.Is(err, contractx.ErrSchemaViolation) {
					break
				}
				log.Warn().Err(err).Int("attempt", attempt+1).Msg("scenario: oracle call failed")
				if ctx.Err() != nil {
					break
				}
			}

			// Oracle exhausted: hand the decision to a human.
			log.Error().Err(lastErr).Msg("scenario: oracle exhausted, falling back to escalation")
			out.Fallback = true
			out.Decision = contractx.Decision{
				Kind: contractx.DecisionEscalate,
				Escalate: &contractx.EscalateDecision{
					Question: fmt.Sprintf("Automatic recovery is unavailable for step %q (%s). How should I proceed?",
						in.Req.FailingStepName, in.Req.FailureText),
				},
			}
			return out, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add consult_oracle node: %w", err)
	}

	if err := graph.AddEdge(compose.START, "retrieve_memory"); err != nil {
		return nil, fmt.Errorf("add consult edge start->retrieve: %w", err)
	}
	if err := graph.AddEdge("retrieve_memory", "consult_oracle"); err != nil {
		return nil, fmt.Errorf("add consult edge retrieve->oracle: %w", err)
	}
	if err := graph.AddEdge("consult_oracle", compose.END); err != nil {
		return nil, fmt.Errorf("add consult edge oracle->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("scenario.recovery_graph"))
	if err != nil {
		return nil, fmt.Errorf("compile recovery graph: %w", err)
	}
	return runner, nil
}

// recover runs one recovery cycle for the pending failure.
func (e *Engine) recover(ctx context.Context) {
	e.mu.Lock()
	rc := e.exec.Recovery
	if rc == nil {
		e.mu.Unlock()
		e.fail("recovery entered without a recovery context")
		return
	}
	goal := e.exec.Goal
	procedureID := e.exec.ProcedureID
	sessionID := e.exec.SessionID
	autoCount := e.exec.AutoRecoveries[rc.StepIndex]
	budget := e.proc.AttemptBudget()
	keySet := make(map[string]struct{}, len(e.exec.Params))
	if rc.StepIndex >= 0 && rc.StepIndex < len(e.exec.Steps) {
		for k := range e.exec.Steps[rc.StepIndex].Inputs {
			keySet[k] = struct{}{}
		}
	}
	for k := range e.exec.Params {
		keySet[k] = struct{}{}
	}
	e.mu.Unlock()

	prefKeys := make([]string, 0, len(keySet))
	for k := range keySet {
		prefKeys = append(prefKeys, k)
	}
	sort.Strings(prefKeys)

	automatic := rc.HumanAnswer == ""
	finalOnly := automatic && autoCount >= budget
	if finalOnly {
		e.mu.Lock()
		e.exec.AddReason("max attempts exceeded on step %q after %d automatic recovery cycles", rc.StepName, autoCount)
		e.mu.Unlock()
	}

	e.failure = &lastFailure{
		stepIndex:   rc.StepIndex,
		stepName:    rc.StepName,
		kind:        rc.FailureKind,
		text:        rc.FailureText,
		historyText: rc.HistoryText,
		envSnapshot: rc.EnvSnapshot,
	}

	out := e.consult(ctx, &consultInput{
		Req: contractx.OracleRequest{
			Goal:             goal,
			ProcedureID:      procedureID,
			FailingStepIndex: rc.StepIndex,
			FailingStepName:  rc.StepName,
			FailureKind:      rc.FailureKind,
			FailureText:      rc.FailureText,
			HistoryText:      rc.HistoryText,
			EnvSnapshot:      rc.EnvSnapshot,
			Capabilities:     e.deps.Capabilities.Catalogue(),
			HumanAnswer:      rc.HumanAnswer,
			FinalOnly:        finalOnly,
		},
		PreferenceScope: sessionID,
		PreferenceKeys:  prefKeys,
	})
	if e.cancelled() || ctx.Err() != nil {
		return
	}

	rc.Candidates = out.Candidates
	rc.Decision = &out.Decision
	e.failure.candidates = out.Candidates

	decision := out.Decision

	// The oracle is not trusted to police its own contract: a decision that
	// retries past the attempt budget, jumps ahead of the failing step, or is
	// structurally incoherent is rejected here and handed to a human, the
	// same as an unavailable oracle.
	if !out.Fallback {
		if verr := decision.Validate(rc.StepIndex, finalOnly); verr != nil {
			log.Warn().Err(verr).Str("decision", string(decision.Kind)).Msg("scenario: oracle decision rejected")
			e.mu.Lock()
			e.exec.AddReason("oracle decision rejected: %v", verr)
			e.mu.Unlock()
			decision = contractx.Decision{
				Kind: contractx.DecisionEscalate,
				Escalate: &contractx.EscalateDecision{
					Question: fmt.Sprintf("Automatic recovery proposed an invalid action for step %q (%s). How should I proceed?",
						rc.StepName, rc.FailureText),
				},
			}
		}
	}

	// Stagnation guard: the oracle proposing the identical adjustment over
	// and over is not progress, whatever the per-step budget says.
	if decision.Kind == contractx.DecisionRetry {
		sig := retrySignature(decision.Retry)
		if sig == e.lastRetrySignature {
			e.sameRetryStreak++
		} else {
			e.lastRetrySignature = sig
			e.sameRetryStreak = 1
		}
		if e.sameRetryStreak >= e.cfg.MaxConsecutiveRetries {
			e.mu.Lock()
			e.exec.AddReason("stagnation: identical retry proposed %d times in a row", e.sameRetryStreak)
			e.mu.Unlock()
			decision = contractx.Decision{
				Kind: contractx.DecisionEscalate,
				Escalate: &contractx.EscalateDecision{
					Question: fmt.Sprintf("Recovery of step %q is stuck repeating the same adjustment (%s). How should I proceed?",
						rc.StepName, rc.FailureText),
				},
			}
		}
	} else {
		e.lastRetrySignature = ""
		e.sameRetryStreak = 0
	}

	switch decision.Kind {
	case contractx.DecisionRetry:
		e.applyRetry(ctx, rc, decision, automatic)
	case contractx.DecisionSubstitute:
		e.applySubstitute(ctx, rc, decision, automatic)
	case contractx.DecisionEscalate:
		e.escalate(ctx, decision.Escalate)
	case contractx.DecisionAbort:
		reason := decision.Abort.Reason
		e.mu.Lock()
		e.exec.AddReason("oracle abort: %s", decision.Analysis)
		e.mu.Unlock()
		e.fail(reason)
	default:
		e.fail(fmt.Sprintf("unsupported decision kind %q", decision.Kind))
	}
}

func (e *Engine) consult(ctx context.Context, in *consultInput) *consultOutput {
	e.consultOnce.Do(func() {
		e.consultRunner, e.consultErr = e.compileConsultGraph(ctx)
	})
	if e.consultErr != nil {
		log.Error().Err(e.consultErr).Msg("scenario: recovery graph compile failed")
		return &consultOutput{
			Fallback: true,
			Decision: contractx.Decision{
				Kind: contractx.DecisionEscalate,
				Escalate: &contractx.EscalateDecision{
					Question: fmt.Sprintf("Automatic recovery is unavailable for step %q (%s). How should I proceed?",
						in.Req.FailingStepName, in.Req.FailureText),
				},
			},
		}
	}

	out, err := e.consultRunner.Invoke(ctx, in)
	if err != nil || out == nil {
		log.Error().Err(err).Msg("scenario: recovery graph failed")
		return &consultOutput{
			Fallback: true,
			Decision: contractx.Decision{
				Kind: contractx.DecisionEscalate,
				Escalate: &contractx.EscalateDecision{
					Question: fmt.Sprintf("Automatic recovery failed for step %q (%s). How should I proceed?",
						in.Req.FailingStepName, in.Req.FailureText),
				},
			},
		}
	}
	return out
}

func retrySignature(r *contractx.RetryDecision) string {
	if r == nil {
		return ""
	}
	patch, _ := json.Marshal(r.InputsPatch)
	return fmt.Sprintf("%d|%s", r.StepIndex, patch)
}

func (e *Engine) applyRetry(ctx context.Context, rc *statex.RecoveryContext, decision contractx.Decision, automatic bool) {
	now := time.Now()

	e.mu.Lock()
	if automatic {
		e.exec.AutoRecoveries[rc.StepIndex]++
	}
	target := decision.Retry.StepIndex
	if target < 0 || target >= len(e.exec.Steps) {
		e.mu.Unlock()
		e.fail(fmt.Sprintf("retry decision targets step %d outside the plan", target))
		return
	}
	if len(decision.Retry.InputsPatch) > 0 {
		step := &e.exec.Steps[target]
		if step.Inputs == nil {
			step.Inputs = make(map[string]any, len(decision.Retry.InputsPatch))
		}
		for k, v := range decision.Retry.InputsPatch {
			step.Inputs[k] = v
		}
	}
	e.exec.CurrentStep = target
	e.exec.AddReason("retry step %d (%s) after %s failure: %s",
		target, e.exec.Steps[target].Name, rc.FailureKind, firstNonEmpty(decision.Analysis, rc.FailureText))
	err := e.exec.ResumeRunning(now)
	e.mu.Unlock()
	if err != nil {
		e.fail(fmt.Sprintf("resume after retry rejected: %v", err))
		return
	}

	e.schedulePendingFix(rc, fmt.Sprintf("retry step %d with inputs patch %s", target, compactPatch(decision.Retry.InputsPatch)), decision.UsedMemoryID)
	e.persist(ctx)
}

func (e *Engine) applySubstitute(ctx context.Context, rc *statex.RecoveryContext, decision contractx.Decision, automatic bool) {
	steps := make([]procedurex.Step, 0, len(decision.Substitute.Steps))
	for i, s := range decision.Substitute.Steps {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("substitute_%d", i+1)
		}
		steps = append(steps, procedurex.Step{
			Name:        name,
			Capability:  s.Capability,
			Inputs:      s.Inputs,
			SuccessWhen: s.SuccessWhen,
		})
	}

	now := time.Now()
	e.mu.Lock()
	if automatic {
		e.exec.AutoRecoveries[rc.StepIndex]++
	}
	err := e.exec.SubstituteTail(rc.StepIndex, steps, now)
	if err == nil {
		e.exec.AddReason("substituted %d steps from step %d: %s",
			len(steps), rc.StepIndex, firstNonEmpty(decision.Analysis, rc.FailureText))
		err = e.exec.ResumeRunning(now)
	}
	e.mu.Unlock()
	if err != nil {
		e.fail(fmt.Sprintf("substitute rejected: %v", err))
		return
	}

	e.schedulePendingFix(rc, fmt.Sprintf("substitute remaining plan with %d alternative steps", len(steps)), decision.UsedMemoryID)
	e.persist(ctx)
}

// escalate posts a human request and suspends. A failed post is reported
// but leaves the request pending; the answer timeout path re-escalates.
func (e *Engine) escalate(ctx context.Context, esc *contractx.EscalateDecision) {
	now := time.Now()

	e.mu.Lock()
	req := &contractx.HumanRequest{
		ID:          uuid.NewString(),
		ExecutionID: e.exec.ID,
		SessionID:   e.exec.SessionID,
		Question:    esc.Question,
		Options:     esc.Options,
		FreeText:    len(esc.Options) == 0,
		CreatedAt:   now.UTC(),
	}
	err := e.exec.Suspend(req, now)
	stepIndex := 0
	if e.failure != nil {
		stepIndex = e.failure.stepIndex
	}
	e.mu.Unlock()
	if err != nil {
		e.fail(fmt.Sprintf("suspend rejected: %v", err))
		return
	}

	if perr := e.deps.Coordinator.PostRequest(ctx, *req); perr != nil {
		log.Warn().Err(perr).Str("request_id", req.ID).Msg("scenario: escalation post failed, request stays pending")
		e.mu.Lock()
		e.exec.AddReason("escalation post failed: %v", perr)
		e.mu.Unlock()
	}

	e.emit(contractx.EventHumanRequested, stepIndex, "", esc.Question)
	e.persist(ctx)
}

// awaitAnswer blocks the suspended execution until the operator answers,
// the answer deadline expires, or the run is cancelled.
func (e *Engine) awaitAnswer(ctx context.Context) {
	timer := time.NewTimer(e.cfg.HumanAnswerTimeout)
	defer timer.Stop()

	select {
	case a := <-e.answerCh:
		e.emit(contractx.EventHumanAnswered, 0, "", a.answer)
		e.resumeWithAnswer(ctx, a.answer)
	case <-timer.C:
		e.expireAnswer(ctx)
	case <-ctx.Done():
	}
}

func (e *Engine) resumeWithAnswer(ctx context.Context, answer string) {
	f := e.failure
	now := time.Now()

	e.mu.Lock()
	rc := &statex.RecoveryContext{
		HistoryText: e.exec.RenderHistory(e.cfg.HistoryWindow),
		HumanAnswer: answer,
	}
	if f != nil {
		rc.StepIndex = f.stepIndex
		rc.StepName = f.stepName
		rc.FailureKind = f.kind
		rc.FailureText = f.text
		rc.EnvSnapshot = f.envSnapshot
	}
	err := e.exec.EnterRecovering(rc, now)
	e.mu.Unlock()
	if err != nil {
		e.fail(fmt.Sprintf("recovery after human answer rejected: %v", err))
		return
	}
	e.persist(ctx)
}

// expireAnswer abandons the unanswered request and routes the timeout
// through the normal recovery path as a hard failure of the escalation.
func (e *Engine) expireAnswer(ctx context.Context) {
	f := e.failure
	now := time.Now()

	e.mu.Lock()
	if e.exec.OpenRequest == nil {
		// The answer raced in just before the deadline; the loop will pick
		// it up on the next pass.
		e.mu.Unlock()
		return
	}
	requestID := e.exec.OpenRequest.ID
	e.exec.AbandonRequest(now)
	e.exec.AddReason("human answer timed out after %s (request %s)", e.cfg.HumanAnswerTimeout, requestID)
	rc := &statex.RecoveryContext{
		FailureKind: contractx.FailureHard,
		FailureText: fmt.Sprintf("human answer timed out after %s", e.cfg.HumanAnswerTimeout),
		HistoryText: e.exec.RenderHistory(e.cfg.HistoryWindow),
	}
	if f != nil {
		rc.StepIndex = f.stepIndex
		rc.StepName = f.stepName
		rc.EnvSnapshot = f.envSnapshot
	}
	err := e.exec.EnterRecovering(rc, now)
	e.mu.Unlock()
	if err != nil {
		e.fail(fmt.Sprintf("recovery after answer timeout rejected: %v", err))
		return
	}
	e.persist(ctx)
}

// schedulePendingFix queues a consolidation record that is written once the
// fix leads to forward progress (or fails again).
func (e *Engine) schedulePendingFix(rc *statex.RecoveryContext, appliedFix, usedMemoryID string) {
	fix := &pendingFix{
		situation:  rc.FailureText,
		appliedFix: appliedFix,
	}
	if usedMemoryID != "" {
		for i := range rc.Candidates {
			if rc.Candidates[i].ID == usedMemoryID {
				fix.usedCandidate = &rc.Candidates[i]
				break
			}
		}
	}
	e.pending = fix
}

// consolidatePending writes the scheduled fix as a successful episode after
// forward progress, bumping the reused candidate when one was applied.
func (e *Engine) consolidatePending(ctx context.Context) {
	fix := e.pending
	if fix == nil {
		return
	}
	e.pending = nil
	e.writeEpisode(ctx, fix, "success")

	if fix.usedCandidate != nil {
		if err := e.deps.Memory.UpsertSolvedProblem(ctx, *fix.usedCandidate); err != nil {
			log.Warn().Err(err).Str("memory_id", fix.usedCandidate.ID).Msg("scenario: reuse bump failed")
		}
	}
}

// consolidateFailed records that the applied fix did not work, so memory
// learns negative outcomes too.
func (e *Engine) consolidateFailed(ctx context.Context, failureText string) {
	fix := e.pending
	if fix == nil {
		return
	}
	e.pending = nil
	e.writeEpisode(ctx, fix, "failed again: "+failureText)
}

func (e *Engine) writeEpisode(ctx context.Context, fix *pendingFix, outcome string) {
	e.mu.Lock()
	scope := e.exec.ProcedureID
	e.mu.Unlock()

	embedding, err := e.deps.Embedder.Embed(ctx, fix.situation)
	if err != nil {
		log.Warn().Err(err).Msg("scenario: consolidation embedding failed")
	}
	entry := contractx.SolvedProblem{
		Scope:              scope,
		SituationText:      fix.situation,
		SituationEmbedding: embedding,
		AppliedFix:         fix.appliedFix,
		Outcome:            outcome,
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.deps.Memory.UpsertSolvedProblem(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("scenario: consolidation write failed")
		return
	}
	e.mu.Lock()
	e.consolidations++
	e.mu.Unlock()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func compactPatch(patch map[string]any) string {
	if len(patch) == 0 {
		return "{}"
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Sprintf("%v", patch)
	}
	return string(data)
}
