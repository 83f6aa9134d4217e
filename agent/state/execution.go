// Package state holds the mutable run instance of one scenario: its step
// attempt history, recovery context, human request, and terminal outcome.
// All mutation goes through the owning engine; the store contract persists
// snapshots for archival and later memory extraction.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	contractx "github.com/tanpawarit/scenago/agent/contract"
	procedurex "github.com/tanpawarit/scenago/agent/procedure"
)

type ExecutionStatus string

const (
	StatusRunning    ExecutionStatus = "running"
	StatusRecovering ExecutionStatus = "recovering"
	StatusSuspended  ExecutionStatus = "suspended"
	StatusSucceeded  ExecutionStatus = "succeeded"
	StatusFailed     ExecutionStatus = "failed"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	ErrNotFound          = errors.New("execution not found")
	ErrNilExecution      = errors.New("execution is nil")
	ErrInvalidTransition = errors.New("invalid execution transition")
	ErrTerminal          = errors.New("execution is terminal")
)

// StepAttempt records one execution of a step. Append-only; never reordered
// or deleted.
type StepAttempt struct {
	Seq         int                   `json:"seq"`
	StepIndex   int                   `json:"step_index"`
	StepName    string                `json:"step_name"`
	Capability  string                `json:"capability"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	Result      map[string]any        `json:"result,omitempty"`
	Failure     string                `json:"failure,omitempty"`
	FailureKind contractx.FailureKind `json:"failure_kind,omitempty"`
	Note        string                `json:"note,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

func (a StepAttempt) Succeeded() bool {
	return a.Failure == ""
}

// RecoveryContext is the snapshot taken when a step fails. It lives for one
// recovery cycle and is merged into the reason chain once resolved.
type RecoveryContext struct {
	StepIndex   int                       `json:"step_index"`
	StepName    string                    `json:"step_name"`
	FailureKind contractx.FailureKind     `json:"failure_kind"`
	FailureText string                    `json:"failure_text"`
	HistoryText string                    `json:"history_text,omitempty"`
	EnvSnapshot string                    `json:"env_snapshot,omitempty"`
	Candidates  []contractx.SolvedProblem `json:"candidates,omitempty"`
	HumanAnswer string                    `json:"human_answer,omitempty"`
	Decision    *contractx.Decision       `json:"decision,omitempty"`
}

// Outcome is the terminal result of an execution.
type Outcome struct {
	Status         ExecutionStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	ReasonChain    []string        `json:"reason_chain,omitempty"`
	SucceededSteps []string        `json:"succeeded_steps,omitempty"`
	Substitutions  int             `json:"substitutions"`
	FinalResult    map[string]any  `json:"final_result,omitempty"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// ScenarioExecution is the single mutable run instance of a procedure.
type ScenarioExecution struct {
	ID          string         `json:"execution_id"`
	SessionID   string         `json:"session_id"`
	ProcedureID string         `json:"procedure_id"`
	Goal        string         `json:"goal"`
	Params      map[string]any `json:"params,omitempty"`

	// Steps is the execution's working copy; substitutions rewrite the
	// tail of this list, never the procedure definition.
	Steps       []procedurex.Step `json:"steps"`
	CurrentStep int               `json:"current_step"`
	Status      ExecutionStatus   `json:"status"`

	Attempts []StepAttempt    `json:"attempts,omitempty"`
	Recovery *RecoveryContext `json:"recovery,omitempty"`

	OpenRequest      *contractx.HumanRequest `json:"open_request,omitempty"`
	ResolvedRequests map[string]string       `json:"resolved_requests,omitempty"`

	// AutoRecoveries counts automatic recovery cycles per step index,
	// enforcing maxAttemptsPerStep.
	AutoRecoveries map[int]int `json:"auto_recoveries,omitempty"`

	// Results keeps the latest successful output per step name for input
	// resolution of later steps.
	Results map[string]map[string]any `json:"results,omitempty"`

	ReasonChain   []string `json:"reason_chain,omitempty"`
	Substitutions int      `json:"substitutions"`

	Outcome *Outcome `json:"outcome,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewExecution creates a running execution at step 0. Parameter completeness
// must be validated by the caller before dispatch.
func NewExecution(sessionID string, proc *procedurex.Procedure, params map[string]any, now time.Time) *ScenarioExecution {
	return &ScenarioExecution{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		ProcedureID:      proc.ID,
		Goal:             proc.Goal,
		Params:           params,
		Steps:            proc.CloneSteps(),
		CurrentStep:      0,
		Status:           StatusRunning,
		ResolvedRequests: make(map[string]string),
		AutoRecoveries:   make(map[int]int),
		Results:          make(map[string]map[string]any),
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}
}

func (e *ScenarioExecution) Terminal() bool {
	return e != nil && e.Status.Terminal()
}

func (e *ScenarioExecution) Step() (procedurex.Step, bool) {
	if e == nil || e.CurrentStep < 0 || e.CurrentStep >= len(e.Steps) {
		return procedurex.Step{}, false
	}
	return e.Steps[e.CurrentStep], true
}

func (e *ScenarioExecution) Touch(now time.Time) {
	e.UpdatedAt = now.UTC()
}

// AppendAttempt adds to the append-only history and assigns the sequence
// number.
func (e *ScenarioExecution) AppendAttempt(a StepAttempt) {
	a.Seq = len(e.Attempts) + 1
	e.Attempts = append(e.Attempts, a)
	if a.Succeeded() && a.Result != nil {
		e.Results[a.StepName] = a.Result
	}
}

// EnterRecovering transitions Running/Suspended -> Recovering with a fresh
// recovery context. The human answer path must clear the open request via
// ResolveRequest first.
func (e *ScenarioExecution) EnterRecovering(rc *RecoveryContext, now time.Time) error {
	if e == nil {
		return ErrNilExecution
	}
	if e.Terminal() {
		return fmt.Errorf("%w: cannot recover", ErrTerminal)
	}
	if e.OpenRequest != nil {
		return fmt.Errorf("%w: open human request must be resolved before recovery", ErrInvalidTransition)
	}
	if rc == nil {
		return fmt.Errorf("%w: recovery context is nil", ErrInvalidTransition)
	}
	e.Status = StatusRecovering
	e.Recovery = rc
	e.Touch(now)
	return nil
}

// ResumeRunning closes the current recovery cycle and returns to Running.
func (e *ScenarioExecution) ResumeRunning(now time.Time) error {
	if e == nil {
		return ErrNilExecution
	}
	if e.Status != StatusRecovering {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, e.Status)
	}
	e.Recovery = nil
	e.Status = StatusRunning
	e.Touch(now)
	return nil
}

// Suspend transitions Recovering -> Suspended with an open human request.
// The recovery context is folded into the reason chain; the invariant is at
// most one in-flight recovery context or human request.
func (e *ScenarioExecution) Suspend(req *contractx.HumanRequest, now time.Time) error {
	if e == nil {
		return ErrNilExecution
	}
	if e.Status != StatusRecovering {
		return fmt.Errorf("%w: suspend from %s", ErrInvalidTransition, e.Status)
	}
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("%w: human request id is empty", ErrInvalidTransition)
	}
	if e.OpenRequest != nil {
		return fmt.Errorf("%w: execution already has an open human request", ErrInvalidTransition)
	}
	e.Recovery = nil
	e.OpenRequest = req
	e.Status = StatusSuspended
	e.Touch(now)
	return nil
}

// ResolveRequest records the human answer for the open request. Returns
// (false, nil) for a duplicate delivery of an already-resolved id, which is
// a no-op by contract. The caller re-enters recovery with the answer.
func (e *ScenarioExecution) ResolveRequest(requestID, answer string, now time.Time) (bool, error) {
	if e == nil {
		return false, ErrNilExecution
	}
	if _, done := e.ResolvedRequests[requestID]; done {
		return false, nil
	}
	if e.Terminal() {
		return false, fmt.Errorf("%w: execution is terminal", contractx.ErrStaleRequest)
	}
	if e.Status != StatusSuspended || e.OpenRequest == nil {
		return false, fmt.Errorf("%w: no open human request", contractx.ErrStaleRequest)
	}
	if e.OpenRequest.ID != requestID {
		return false, fmt.Errorf("%w: request id %s does not match open request %s",
			contractx.ErrStaleRequest, requestID, e.OpenRequest.ID)
	}
	resolvedAt := now.UTC()
	e.OpenRequest.Answer = answer
	e.OpenRequest.ResolvedAt = &resolvedAt
	e.ResolvedRequests[requestID] = answer
	e.OpenRequest = nil
	// Status stays Suspended until the engine re-enters recovery; the open
	// request is gone, so EnterRecovering is now legal.
	e.Touch(now)
	return true, nil
}

// AbandonRequest discards the open request without an answer (answer
// deadline expired). The orphaned request id still lands in
// ResolvedRequests so a late reply is a no-op.
func (e *ScenarioExecution) AbandonRequest(now time.Time) {
	if e == nil || e.OpenRequest == nil {
		return
	}
	e.ResolvedRequests[e.OpenRequest.ID] = ""
	e.OpenRequest = nil
	e.Touch(now)
}

// SubstituteTail replaces the steps from the failing index onward,
// preserving completed attempts and already-passed steps.
func (e *ScenarioExecution) SubstituteTail(from int, steps []procedurex.Step, now time.Time) error {
	if e == nil {
		return ErrNilExecution
	}
	if from < 0 || from > len(e.Steps) {
		return fmt.Errorf("%w: substitute index %d out of range", ErrInvalidTransition, from)
	}
	if len(steps) == 0 {
		return fmt.Errorf("%w: substitute with no steps", ErrInvalidTransition)
	}
	e.Steps = append(e.Steps[:from:from], steps...)
	e.CurrentStep = from
	e.Substitutions++
	e.Touch(now)
	return nil
}

// AddReason appends one entry to the human-readable reason chain.
func (e *ScenarioExecution) AddReason(format string, args ...any) {
	e.ReasonChain = append(e.ReasonChain, fmt.Sprintf(format, args...))
}

// Succeed transitions to the Succeeded terminal state.
func (e *ScenarioExecution) Succeed(finalResult map[string]any, now time.Time) error {
	if e == nil {
		return ErrNilExecution
	}
	if e.Terminal() {
		return fmt.Errorf("%w: already %s", ErrTerminal, e.Status)
	}
	e.Status = StatusSucceeded
	e.Recovery = nil
	e.Outcome = &Outcome{
		Status:         StatusSucceeded,
		ReasonChain:    e.ReasonChain,
		SucceededSteps: e.succeededStepNames(),
		Substitutions:  e.Substitutions,
		FinalResult:    finalResult,
		FinishedAt:     now.UTC(),
	}
	e.Touch(now)
	return nil
}

// Fail transitions to the Failed terminal state, discarding any pending
// recovery context or human request. A previously posted request becomes
// orphaned and later replies are ignored.
func (e *ScenarioExecution) Fail(reason string, now time.Time) error {
	if e == nil {
		return ErrNilExecution
	}
	if e.Terminal() {
		return fmt.Errorf("%w: already %s", ErrTerminal, e.Status)
	}
	if e.OpenRequest != nil {
		e.AbandonRequest(now)
	}
	e.Status = StatusFailed
	e.Recovery = nil
	e.AddReason("terminal: %s", reason)
	e.Outcome = &Outcome{
		Status:         StatusFailed,
		Reason:         reason,
		ReasonChain:    e.ReasonChain,
		SucceededSteps: e.succeededStepNames(),
		Substitutions:  e.Substitutions,
		FinishedAt:     now.UTC(),
	}
	e.Touch(now)
	return nil
}

func (e *ScenarioExecution) succeededStepNames() []string {
	seen := make(map[string]struct{}, len(e.Attempts))
	var names []string
	for _, a := range e.Attempts {
		if !a.Succeeded() {
			continue
		}
		if _, dup := seen[a.StepName]; dup {
			continue
		}
		seen[a.StepName] = struct{}{}
		names = append(names, a.StepName)
	}
	return names
}

// Snapshot returns a deep copy decoupled from the live execution, built for
// handing to a store while the original keeps mutating. The copy travels
// through the wire encoding, so only persisted fields survive.
func (e *ScenarioExecution) Snapshot() (*ScenarioExecution, error) {
	if e == nil {
		return nil, ErrNilExecution
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	var out ScenarioExecution
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &out, nil
}

// Validate checks the structural invariants the engine relies on.
func (e *ScenarioExecution) Validate() error {
	if e == nil {
		return ErrNilExecution
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("execution id is empty")
	}
	if e.Recovery != nil && e.OpenRequest != nil {
		return fmt.Errorf("execution %s has both a recovery context and an open human request", e.ID)
	}
	if e.Terminal() && e.Outcome == nil {
		return fmt.Errorf("terminal execution %s has no outcome", e.ID)
	}
	if e.Status == StatusSuspended && e.OpenRequest == nil {
		// Legal only transiently, after ResolveRequest and before the
		// engine re-enters recovery. A persisted snapshot must not be here.
		return fmt.Errorf("suspended execution %s has no open request", e.ID)
	}
	for i := 1; i < len(e.Attempts); i++ {
		if e.Attempts[i].Seq <= e.Attempts[i-1].Seq {
			return fmt.Errorf("execution %s attempt history out of order at seq %d", e.ID, e.Attempts[i].Seq)
		}
	}
	return nil
}
