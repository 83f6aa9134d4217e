package contract

import (
	"fmt"
	"strings"
	"time"
)

// FailureKind distinguishes how a step went wrong. A hard failure means the
// capability itself errored (timeout, exception, unmet precondition); a soft
// failure means the capability returned normally but the step's success
// predicate was not satisfied.
type FailureKind string

const (
	FailureHard FailureKind = "hard"
	FailureSoft FailureKind = "soft"
)

// CapabilityInfo describes a callable unit of work for the oracle's catalogue.
type CapabilityInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CapabilityResult is the structured outcome of one capability invocation.
type CapabilityResult struct {
	Output map[string]any `json:"output,omitempty"`
}

// DecisionKind tags the oracle's recovery decision variant.
type DecisionKind string

const (
	DecisionRetry      DecisionKind = "retry"
	DecisionSubstitute DecisionKind = "substitute"
	DecisionEscalate   DecisionKind = "escalate"
	DecisionAbort      DecisionKind = "abort"
)

// RetryDecision resumes execution from StepIndex with InputsPatch merged into
// that step's resolved inputs. Only backward jumps (or the failing step
// itself) are valid.
type RetryDecision struct {
	StepIndex   int            `json:"step_index"`
	InputsPatch map[string]any `json:"inputs_patch,omitempty"`
}

// SubstituteStep is an inline step definition used when the oracle swaps the
// remaining procedure tail for an alternative sub-sequence.
type SubstituteStep struct {
	Name        string         `json:"name"`
	Capability  string         `json:"capability"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	SuccessWhen string         `json:"success_when,omitempty"`
}

type SubstituteDecision struct {
	Steps []SubstituteStep `json:"steps"`
}

type EscalateDecision struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type AbortDecision struct {
	Reason string `json:"reason"`
}

// Decision is the oracle's answer to one recovery cycle. Exactly one variant
// field matching Kind is populated.
type Decision struct {
	Analysis     string              `json:"analysis,omitempty"`
	Kind         DecisionKind        `json:"decision"`
	Retry        *RetryDecision      `json:"retry,omitempty"`
	Substitute   *SubstituteDecision `json:"substitute,omitempty"`
	Escalate     *EscalateDecision   `json:"escalate,omitempty"`
	Abort        *AbortDecision      `json:"abort,omitempty"`
	UsedMemoryID string              `json:"used_memory_id,omitempty"`
}

// Validate checks structural coherence of the decision. When finalOnly is
// set (attempt budget exhausted) only escalate/abort are acceptable.
func (d Decision) Validate(failingStep int, finalOnly bool) error {
	switch d.Kind {
	case DecisionRetry:
		if finalOnly {
			return fmt.Errorf("%w: retry is not allowed once the attempt budget is exhausted", ErrSchemaViolation)
		}
		if d.Retry == nil {
			return fmt.Errorf("%w: retry decision without retry payload", ErrSchemaViolation)
		}
		if d.Retry.StepIndex < 0 || d.Retry.StepIndex > failingStep {
			return fmt.Errorf("%w: retry step index must point at the failing step or earlier", ErrSchemaViolation)
		}
	case DecisionSubstitute:
		if finalOnly {
			return fmt.Errorf("%w: substitute is not allowed once the attempt budget is exhausted", ErrSchemaViolation)
		}
		if d.Substitute == nil || len(d.Substitute.Steps) == 0 {
			return fmt.Errorf("%w: substitute decision requires at least one step", ErrSchemaViolation)
		}
		for _, s := range d.Substitute.Steps {
			if strings.TrimSpace(s.Capability) == "" {
				return fmt.Errorf("%w: substitute step is missing a capability", ErrSchemaViolation)
			}
		}
	case DecisionEscalate:
		if d.Escalate == nil || strings.TrimSpace(d.Escalate.Question) == "" {
			return fmt.Errorf("%w: escalate decision requires a question", ErrSchemaViolation)
		}
	case DecisionAbort:
		if d.Abort == nil || strings.TrimSpace(d.Abort.Reason) == "" {
			return fmt.Errorf("%w: abort decision requires a reason", ErrSchemaViolation)
		}
	default:
		return fmt.Errorf("%w: unknown decision kind %q", ErrSchemaViolation, d.Kind)
	}
	return nil
}

// OracleRequest is the structured context handed to the Decision Oracle.
type OracleRequest struct {
	Goal             string           `json:"goal"`
	ProcedureID      string           `json:"procedure_id"`
	FailingStepIndex int              `json:"failing_step_index"`
	FailingStepName  string           `json:"failing_step_name"`
	FailureKind      FailureKind      `json:"failure_kind"`
	FailureText      string           `json:"failure_text"`
	HistoryText      string           `json:"history_text"`
	EnvSnapshot      string           `json:"env_snapshot,omitempty"`
	Capabilities     []CapabilityInfo `json:"capabilities"`
	MemoryCandidates []SolvedProblem  `json:"memory_candidates,omitempty"`

	// Preferences are learned (key, value) pairs scoped to the session,
	// looked up for the failing step's inputs and the run parameters.
	Preferences map[string]string `json:"preferences,omitempty"`

	HumanAnswer string `json:"human_answer,omitempty"`
	FinalOnly   bool   `json:"final_only"`
}

// Preference is a learned user preference, keyed by (scope, key).
type Preference struct {
	Scope         string    `json:"scope"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Confidence    float64   `json:"confidence"`
	LastConfirmed time.Time `json:"last_confirmed"`
}

// SolvedProblem is a consolidated recovery episode retrievable by
// embedding similarity.
type SolvedProblem struct {
	ID                 string    `json:"id"`
	Scope              string    `json:"scope"`
	SituationText      string    `json:"situation_text"`
	SituationEmbedding []float64 `json:"situation_embedding,omitempty"`
	AppliedFix         string    `json:"applied_fix"`
	Outcome            string    `json:"outcome"`
	TimesReused        int       `json:"times_reused"`
	CreatedAt          time.Time `json:"created_at"`
}

// HumanRequest asks a human operator for input. At most one unresolved
// request exists per execution at any time.
type HumanRequest struct {
	ID          string     `json:"request_id"`
	ExecutionID string     `json:"execution_id"`
	SessionID   string     `json:"session_id"`
	Question    string     `json:"question"`
	Options     []string   `json:"options,omitempty"`
	FreeText    bool       `json:"free_text"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Answer      string     `json:"answer,omitempty"`
}

// HumanReply is the inbound wire message resolving a HumanRequest.
type HumanReply struct {
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// EventType enumerates progress events emitted to the observer.
type EventType string

const (
	EventStepStarted     EventType = "step_started"
	EventStepSucceeded   EventType = "step_succeeded"
	EventStepFailed      EventType = "step_failed"
	EventRecoveryEntered EventType = "recovery_entered"
	EventHumanRequested  EventType = "human_requested"
	EventHumanAnswered   EventType = "human_answered"
	EventTerminal        EventType = "terminal"
)

// Event is a progress notification for the external view layer.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	SessionID   string         `json:"session_id"`
	StepIndex   int            `json:"step_index,omitempty"`
	StepName    string         `json:"step_name,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	At          time.Time      `json:"at"`
}
