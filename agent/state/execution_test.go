package state

import (
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/tanpawarit/scenago/agent/contract"
	procedurex "github.com/tanpawarit/scenago/agent/procedure"
)

func demoProcedure() *procedurex.Procedure {
	return &procedurex.Procedure{
		ID:   "demo",
		Goal: "reach the end",
		Steps: []procedurex.Step{
			{Name: "first", Capability: "op.first"},
			{Name: "second", Capability: "op.second"},
		},
	}
}

func runningExecution(t *testing.T) *ScenarioExecution {
	t.Helper()
	return NewExecution("sess-1", demoProcedure(), map[string]any{"k": "v"}, time.Now())
}

func recoveryCtx(step int) *RecoveryContext {
	return &RecoveryContext{
		StepIndex:   step,
		StepName:    "first",
		FailureKind: contractx.FailureHard,
		FailureText: "boom",
	}
}

func TestNewExecutionStartsRunning(t *testing.T) {
	t.Parallel()

	exec := runningExecution(t)
	if exec.Status != StatusRunning || exec.CurrentStep != 0 {
		t.Fatalf("status=%s step=%d", exec.Status, exec.CurrentStep)
	}
	if exec.ID == "" {
		t.Fatal("no execution id assigned")
	}
	// The working copy is isolated from the procedure definition.
	exec.Steps[0].Inputs = map[string]any{"patched": true}
	if demoProcedure().Steps[0].Inputs != nil {
		t.Fatal("procedure definition mutated")
	}
}

func TestAppendAttemptSequencesAndRecordsResults(t *testing.T) {
	t.Parallel()

	exec := runningExecution(t)
	exec.AppendAttempt(StepAttempt{StepIndex: 0, StepName: "first", Result: map[string]any{"ok": true}})
	exec.AppendAttempt(StepAttempt{StepIndex: 1, StepName: "second", Failure: "boom", FailureKind: contractx.FailureHard})

	if exec.Attempts[0].Seq != 1 || exec.Attempts[1].Seq != 2 {
		t.Fatalf("seqs = %d, %d", exec.Attempts[0].Seq, exec.Attempts[1].Seq)
	}
	if exec.Results["first"]["ok"] != true {
		t.Fatal("successful result not indexed by step name")
	}
	if _, ok := exec.Results["second"]; ok {
		t.Fatal("failed attempt must not record a result")
	}
}

func TestRecoverSuspendResolveCycle(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exec := runningExecution(t)

	if err := exec.EnterRecovering(recoveryCtx(0), now); err != nil {
		t.Fatalf("EnterRecovering() error = %v", err)
	}
	if exec.Status != StatusRecovering {
		t.Fatalf("status = %s", exec.Status)
	}

	req := &contractx.HumanRequest{ID: "req-1", Question: "which door?"}
	if err := exec.Suspend(req, now); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if exec.Recovery != nil {
		t.Fatal("recovery context must be folded away on suspend")
	}

	// Recovery with an open request standing is illegal.
	if err := exec.EnterRecovering(recoveryCtx(0), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("EnterRecovering() with open request error = %v", err)
	}

	if _, err := exec.ResolveRequest("other-id", "x", now); !errors.Is(err, contractx.ErrStaleRequest) {
		t.Fatalf("mismatched id error = %v", err)
	}

	applied, err := exec.ResolveRequest("req-1", "the blue one", now)
	if err != nil || !applied {
		t.Fatalf("ResolveRequest() = (%v, %v)", applied, err)
	}
	if exec.OpenRequest != nil {
		t.Fatal("open request not cleared")
	}

	// Duplicate delivery is a silent no-op.
	applied, err = exec.ResolveRequest("req-1", "again", now)
	if err != nil || applied {
		t.Fatalf("duplicate ResolveRequest() = (%v, %v)", applied, err)
	}

	// With the request resolved, recovery may resume with the answer.
	rc := recoveryCtx(0)
	rc.HumanAnswer = "the blue one"
	if err := exec.EnterRecovering(rc, now); err != nil {
		t.Fatalf("EnterRecovering() after resolve error = %v", err)
	}
	if err := exec.ResumeRunning(now); err != nil {
		t.Fatalf("ResumeRunning() error = %v", err)
	}
	if exec.Status != StatusRunning || exec.Recovery != nil {
		t.Fatalf("status = %s, recovery = %v", exec.Status, exec.Recovery)
	}
}

func TestAbandonRequestOrphansTheID(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exec := runningExecution(t)
	if err := exec.EnterRecovering(recoveryCtx(0), now); err != nil {
		t.Fatalf("EnterRecovering() error = %v", err)
	}
	if err := exec.Suspend(&contractx.HumanRequest{ID: "req-9", Question: "?"}, now); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	exec.AbandonRequest(now)
	if exec.OpenRequest != nil {
		t.Fatal("open request survived abandonment")
	}
	// A late reply to the abandoned request is a no-op.
	applied, err := exec.ResolveRequest("req-9", "too late", now)
	if err != nil || applied {
		t.Fatalf("late ResolveRequest() = (%v, %v)", applied, err)
	}
}

func TestTerminalGuards(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exec := runningExecution(t)
	exec.AppendAttempt(StepAttempt{StepIndex: 0, StepName: "first", Result: map[string]any{"ok": true}})
	if err := exec.Succeed(map[string]any{"done": true}, now); err != nil {
		t.Fatalf("Succeed() error = %v", err)
	}
	if !exec.Terminal() || exec.Outcome == nil {
		t.Fatal("no terminal outcome")
	}
	if got := exec.Outcome.SucceededSteps; len(got) != 1 || got[0] != "first" {
		t.Fatalf("succeeded steps = %v", got)
	}

	if err := exec.Fail("late", now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("Fail() after terminal error = %v", err)
	}
	if err := exec.EnterRecovering(recoveryCtx(0), now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("EnterRecovering() after terminal error = %v", err)
	}
	if _, err := exec.ResolveRequest("any", "x", now); !errors.Is(err, contractx.ErrStaleRequest) {
		t.Fatalf("ResolveRequest() after terminal error = %v", err)
	}
}

func TestFailAbandonsOpenRequest(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exec := runningExecution(t)
	if err := exec.EnterRecovering(recoveryCtx(0), now); err != nil {
		t.Fatalf("EnterRecovering() error = %v", err)
	}
	if err := exec.Suspend(&contractx.HumanRequest{ID: "req-2", Question: "?"}, now); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if err := exec.Fail("cancelled", now); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if exec.OpenRequest != nil {
		t.Fatal("open request survived failure")
	}
	if _, done := exec.ResolvedRequests["req-2"]; !done {
		t.Fatal("orphaned request id not recorded")
	}
}

func TestSubstituteTail(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exec := runningExecution(t)
	exec.CurrentStep = 1

	replacement := []procedurex.Step{
		{Name: "detour_a", Capability: "op.detour"},
		{Name: "detour_b", Capability: "op.detour"},
	}
	if err := exec.SubstituteTail(1, replacement, now); err != nil {
		t.Fatalf("SubstituteTail() error = %v", err)
	}
	if len(exec.Steps) != 3 || exec.Steps[1].Name != "detour_a" {
		t.Fatalf("steps = %v", exec.Steps)
	}
	if exec.CurrentStep != 1 || exec.Substitutions != 1 {
		t.Fatalf("current=%d substitutions=%d", exec.CurrentStep, exec.Substitutions)
	}

	if err := exec.SubstituteTail(9, replacement, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("out-of-range substitute error = %v", err)
	}
}

func TestValidateInvariants(t *testing.T) {
	t.Parallel()

	exec := runningExecution(t)
	if err := exec.Validate(); err != nil {
		t.Fatalf("fresh execution invalid: %v", err)
	}

	broken := runningExecution(t)
	broken.Recovery = recoveryCtx(0)
	broken.OpenRequest = &contractx.HumanRequest{ID: "x"}
	if err := broken.Validate(); err == nil {
		t.Fatal("recovery context and open request together must be invalid")
	}

	suspended := runningExecution(t)
	suspended.Status = StatusSuspended
	if err := suspended.Validate(); err == nil {
		t.Fatal("suspended without open request must be invalid")
	}
}

func TestRenderHistoryWindow(t *testing.T) {
	t.Parallel()

	exec := runningExecution(t)
	exec.AppendAttempt(StepAttempt{StepIndex: 0, StepName: "first", Result: map[string]any{"ok": true}})
	exec.AppendAttempt(StepAttempt{
		StepIndex:   1,
		StepName:    "second",
		Failure:     "portal glitch",
		FailureKind: contractx.FailureHard,
		Note:        "page: landing",
	})
	exec.AppendAttempt(StepAttempt{StepIndex: 1, StepName: "second", Result: map[string]any{"ok": true}})

	text := exec.RenderHistory(2)
	if strings.Contains(text, "Attempt #1") {
		t.Fatal("window should drop the oldest attempt")
	}
	if !strings.Contains(text, "portal glitch") || !strings.Contains(text, "page: landing") {
		t.Fatalf("failure detail missing:\n%s", text)
	}
	if !strings.Contains(text, "Total attempts: 3 (2 succeeded)") {
		t.Fatalf("totals missing:\n%s", text)
	}

	empty := runningExecution(t)
	if got := empty.RenderHistory(5); !strings.Contains(got, "No execution history") {
		t.Fatalf("empty history = %q", got)
	}
}

func TestSnapshotIsDecoupledFromLiveMutation(t *testing.T) {
	t.Parallel()

	exec := runningExecution(t)
	exec.AppendAttempt(StepAttempt{StepIndex: 0, StepName: "first", Result: map[string]any{"ok": true}})
	if err := exec.EnterRecovering(recoveryCtx(1), time.Now()); err != nil {
		t.Fatalf("EnterRecovering() error = %v", err)
	}
	req := &contractx.HumanRequest{ID: "req-1", ExecutionID: exec.ID, SessionID: exec.SessionID, Question: "help?"}
	if err := exec.Suspend(req, time.Now()); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	snap, err := exec.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap == exec {
		t.Fatal("snapshot must be a different instance")
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("snapshot invalid: %v", err)
	}

	// Resolving the request on the live execution must not reach the copy.
	if _, err := exec.ResolveRequest("req-1", "go on", time.Now()); err != nil {
		t.Fatalf("ResolveRequest() error = %v", err)
	}
	exec.AddReason("after snapshot")
	exec.Attempts[0].Result["ok"] = false

	if snap.OpenRequest == nil || snap.OpenRequest.ID != "req-1" {
		t.Fatalf("snapshot lost the open request: %+v", snap.OpenRequest)
	}
	if len(snap.ResolvedRequests) != 0 {
		t.Fatalf("snapshot picked up a later resolution: %v", snap.ResolvedRequests)
	}
	for _, r := range snap.ReasonChain {
		if r == "after snapshot" {
			t.Fatal("snapshot picked up a later reason")
		}
	}
	if snap.Attempts[0].Result["ok"] != true {
		t.Fatal("snapshot shares attempt result maps with the live execution")
	}

	var nilExec *ScenarioExecution
	if _, err := nilExec.Snapshot(); !errors.Is(err, ErrNilExecution) {
		t.Fatalf("nil snapshot error = %v", err)
	}
}
