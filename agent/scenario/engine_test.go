package scenario

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	capabilityx "github.com/tanpawarit/scenago/agent/capability"
	contractx "github.com/tanpawarit/scenago/agent/contract"
	memoryx "github.com/tanpawarit/scenago/agent/memory"
	procedurex "github.com/tanpawarit/scenago/agent/procedure"
	statex "github.com/tanpawarit/scenago/agent/state"
)

type stubOracle struct {
	mu       sync.Mutex
	script   []contractx.Decision
	err      error
	requests []contractx.OracleRequest
}

func (o *stubOracle) Decide(ctx context.Context, req contractx.OracleRequest) (contractx.Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.err != nil {
		return contractx.Decision{}, o.err
	}
	if len(o.script) == 0 {
		return contractx.Decision{
			Kind:  contractx.DecisionAbort,
			Abort: &contractx.AbortDecision{Reason: "stub script exhausted"},
		}, nil
	}
	d := o.script[0]
	o.script = o.script[1:]
	return d, nil
}

func (o *stubOracle) recorded() []contractx.OracleRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]contractx.OracleRequest, len(o.requests))
	copy(out, o.requests)
	return out
}

type fakeCoordinator struct {
	mu       sync.Mutex
	requests chan contractx.HumanRequest
	postErr  error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{requests: make(chan contractx.HumanRequest, 8)}
}

func (c *fakeCoordinator) PostRequest(ctx context.Context, req contractx.HumanRequest) error {
	c.mu.Lock()
	err := c.postErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.requests <- req
	return nil
}

func (c *fakeCoordinator) Subscribe(handler func(contractx.HumanReply)) error { return nil }
func (c *fakeCoordinator) Close() error                                      { return nil }

func retryDecision(stepIndex int, patch map[string]any) contractx.Decision {
	return contractx.Decision{
		Kind:  contractx.DecisionRetry,
		Retry: &contractx.RetryDecision{StepIndex: stepIndex, InputsPatch: patch},
	}
}

func escalateDecision(question string) contractx.Decision {
	return contractx.Decision{
		Kind:     contractx.DecisionEscalate,
		Escalate: &contractx.EscalateDecision{Question: question},
	}
}

func abortDecision(reason string) contractx.Decision {
	return contractx.Decision{
		Kind:  contractx.DecisionAbort,
		Abort: &contractx.AbortDecision{Reason: reason},
	}
}

func testConfig() Config {
	return Config{
		StepTimeout:           2 * time.Second,
		OracleTimeout:         2 * time.Second,
		OracleRetries:         0,
		HumanAnswerTimeout:    5 * time.Second,
		HistoryWindow:         5,
		MemoryTopK:            3,
		MaxConsecutiveRetries: 3,
	}
}

func testDeps(t *testing.T, caps contractx.CapabilityProvider, o contractx.DecisionOracle, coord contractx.Coordinator) Deps {
	t.Helper()
	return Deps{
		Capabilities: caps,
		Oracle:       o,
		Memory:       memoryx.NewInMemoryStore(memoryx.Options{MinSimilarity: 0.01}),
		Embedder:     memoryx.DeterministicEmbedder{Dim: 16},
		Coordinator:  coord,
		Store:        statex.NewInMemoryStore(),
	}
}

func okStep(name string) capabilityx.Capability {
	return capabilityx.Capability{
		Name:        name,
		Description: name,
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
}

func threeStepProcedure() *procedurex.Procedure {
	return &procedurex.Procedure{
		ID:   "demo",
		Goal: "run all three steps",
		Steps: []procedurex.Step{
			{Name: "first", Capability: "op.first", SuccessWhen: "result.ok == true"},
			{Name: "second", Capability: "op.second", SuccessWhen: "result.ok == true"},
			{Name: "third", Capability: "op.third", SuccessWhen: "result.ok == true"},
		},
	}
}

func TestStartMissingParamsCreatesNothing(t *testing.T) {
	t.Parallel()

	proc := threeStepProcedure()
	proc.RequiredParams = []string{"hotel", "checkin"}

	registry, err := capabilityx.NewRegistry(okStep("op.first"), okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	engine, err := NewEngine(proc, "sess-1", map[string]any{"hotel": "forest"}, testDeps(t, registry, &stubOracle{}, newFakeCoordinator()), testConfig())
	if !errors.Is(err, contractx.ErrInvalidParameters) {
		t.Fatalf("NewEngine() error = %v, want invalid parameters", err)
	}
	if engine != nil {
		t.Fatal("no engine may exist after a validation failure")
	}
	if !strings.Contains(err.Error(), "checkin") {
		t.Fatalf("missing parameter not named in error: %v", err)
	}
}

func TestRetryAfterHardFailure(t *testing.T) {
	t.Parallel()

	failures := 1
	flaky := capabilityx.Capability{
		Name: "op.second",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			if failures > 0 {
				failures--
				return nil, errors.New("portal timeout")
			}
			return map[string]any{"ok": true, "mode": inputs["mode"]}, nil
		},
	}
	registry, err := capabilityx.NewRegistry(okStep("op.first"), flaky, okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{
		retryDecision(1, map[string]any{"mode": "fallback"}),
	}}
	deps := testDeps(t, registry, oracle, newFakeCoordinator())

	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, deps, testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	outcome, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != statex.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reasons: %v)", outcome.Status, outcome.ReasonChain)
	}

	history := engine.History()
	if len(history) != 4 {
		t.Fatalf("got %d attempts, want 4 (ok, fail, retry-ok, ok)", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Seq <= history[i-1].Seq {
			t.Fatalf("attempt history out of order at %d", i)
		}
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatalf("attempt timestamps out of order at %d", i)
		}
	}
	if history[1].Succeeded() || history[1].FailureKind != contractx.FailureHard {
		t.Fatalf("second attempt must be a hard failure: %+v", history[1])
	}
	if history[2].Inputs["mode"] != "fallback" {
		t.Fatalf("retry must use the patched inputs, got %v", history[2].Inputs)
	}

	if got := engine.Consolidations(); got != 1 {
		t.Fatalf("got %d consolidation writes, want 1", got)
	}
}

func TestSoftFailureRoutesToRecovery(t *testing.T) {
	t.Parallel()

	calls := 0
	soft := capabilityx.Capability{
		Name: "op.second",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"ok": calls > 1}, nil
		},
	}
	registry, err := capabilityx.NewRegistry(okStep("op.first"), soft, okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{retryDecision(1, nil)}}
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, newFakeCoordinator()), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	outcome, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != statex.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", outcome.Status)
	}

	reqs := oracle.recorded()
	if len(reqs) != 1 || reqs[0].FailureKind != contractx.FailureSoft {
		t.Fatalf("oracle must see one soft failure, got %+v", reqs)
	}
}

func TestEscalateThenResolveHuman(t *testing.T) {
	t.Parallel()

	failures := 1
	flaky := capabilityx.Capability{
		Name: "op.second",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			if failures > 0 {
				failures--
				return nil, errors.New("unexpected page state")
			}
			return map[string]any{"ok": true}, nil
		},
	}
	registry, err := capabilityx.NewRegistry(okStep("op.first"), flaky, okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{
		escalateDecision("which button should I press?"),
		retryDecision(1, nil),
	}}
	coord := newFakeCoordinator()
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, coord), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	done := make(chan statex.Outcome, 1)
	go func() {
		outcome, _ := engine.Run(context.Background())
		done <- outcome
	}()

	var req contractx.HumanRequest
	select {
	case req = <-coord.requests:
	case <-time.After(3 * time.Second):
		t.Fatal("no human request was posted")
	}
	if engine.Status() != statex.StatusSuspended {
		t.Fatalf("status = %s, want suspended", engine.Status())
	}

	// Mismatched id is a stale request and must not alter state.
	if err := engine.ResolveHuman("not-the-request", "noise"); !errors.Is(err, contractx.ErrStaleRequest) {
		t.Fatalf("mismatched resolve error = %v, want stale request", err)
	}

	if err := engine.ResolveHuman(req.ID, "press the blue one"); err != nil {
		t.Fatalf("ResolveHuman() error = %v", err)
	}

	var outcome statex.Outcome
	select {
	case outcome = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not finish after the answer")
	}
	if outcome.Status != statex.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reasons: %v)", outcome.Status, outcome.ReasonChain)
	}

	reqs := oracle.recorded()
	if len(reqs) != 2 {
		t.Fatalf("oracle consulted %d times, want 2", len(reqs))
	}
	if reqs[1].HumanAnswer != "press the blue one" {
		t.Fatalf("second consult must carry the human answer, got %q", reqs[1].HumanAnswer)
	}

	// Duplicate delivery of the resolved id is a no-op.
	before := len(engine.History())
	if err := engine.ResolveHuman(req.ID, "press the blue one"); err != nil {
		t.Fatalf("duplicate resolve error = %v, want nil", err)
	}
	if len(engine.History()) != before {
		t.Fatal("duplicate resolve must not grow the history")
	}
	if status := engine.Status(); status != statex.StatusSucceeded {
		t.Fatalf("duplicate resolve changed status to %s", status)
	}
}

func TestCancelledNeverTransitionsAgain(t *testing.T) {
	t.Parallel()

	failing := capabilityx.Capability{
		Name: "op.first",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		},
	}
	registry, err := capabilityx.NewRegistry(failing, okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{escalateDecision("help?")}}
	coord := newFakeCoordinator()
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, coord), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	done := make(chan statex.Outcome, 1)
	go func() {
		outcome, _ := engine.Run(context.Background())
		done <- outcome
	}()

	var req contractx.HumanRequest
	select {
	case req = <-coord.requests:
	case <-time.After(3 * time.Second):
		t.Fatal("no human request was posted")
	}

	engine.Cancel()
	engine.Cancel() // idempotent

	var outcome statex.Outcome
	select {
	case outcome = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("cancel was not honored")
	}
	if outcome.Status != statex.StatusFailed || outcome.Reason != ReasonCancelled {
		t.Fatalf("outcome = %+v, want failed/cancelled", outcome)
	}

	// The orphaned request resolving later must be ignored.
	history := len(engine.History())
	if err := engine.ResolveHuman(req.ID, "too late"); err != nil {
		t.Fatalf("late resolve error = %v, want silent no-op", err)
	}
	if engine.Status() != statex.StatusFailed {
		t.Fatalf("status changed after terminal: %s", engine.Status())
	}
	if len(engine.History()) != history {
		t.Fatal("history changed after terminal")
	}
}

func TestMaxAttemptsForcesFinalDecision(t *testing.T) {
	t.Parallel()

	alwaysFail := capabilityx.Capability{
		Name: "op.first",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("persistently broken")
		},
	}
	registry, err := capabilityx.NewRegistry(alwaysFail, okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	proc := threeStepProcedure()
	proc.MaxAttemptsPerStep = 2

	// Distinct patches keep the stagnation guard quiet; the per-step budget
	// alone must force the final decision.
	oracle := &stubOracle{script: []contractx.Decision{
		retryDecision(0, map[string]any{"try": 1}),
		retryDecision(0, map[string]any{"try": 2}),
		abortDecision("cannot fix the portal"),
	}}
	engine, err := NewEngine(proc, "sess-1", nil, testDeps(t, registry, oracle, newFakeCoordinator()), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	outcome, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != statex.StatusFailed || outcome.Reason != "cannot fix the portal" {
		t.Fatalf("outcome = %+v, want failed with the oracle's reason", outcome)
	}

	reqs := oracle.recorded()
	if len(reqs) != 3 {
		t.Fatalf("oracle consulted %d times, want 3", len(reqs))
	}
	wantFinal := []bool{false, false, true}
	for i, want := range wantFinal {
		if reqs[i].FinalOnly != want {
			t.Fatalf("consult %d FinalOnly = %v, want %v", i, reqs[i].FinalOnly, want)
		}
	}
	if len(engine.History()) != 3 {
		t.Fatalf("got %d attempts, want exactly 3 before the budget forces a final decision", len(engine.History()))
	}
}

func TestStagnationGuardEscalates(t *testing.T) {
	t.Parallel()

	alwaysFail := capabilityx.Capability{
		Name: "op.first",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("stuck")
		},
	}
	registry, err := capabilityx.NewRegistry(alwaysFail, okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{
		retryDecision(0, map[string]any{"same": true}),
		retryDecision(0, map[string]any{"same": true}),
	}}
	coord := newFakeCoordinator()

	cfg := testConfig()
	cfg.MaxConsecutiveRetries = 2
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, coord), cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = engine.Run(context.Background())
		close(done)
	}()

	select {
	case req := <-coord.requests:
		if !strings.Contains(req.Question, "stuck") {
			t.Errorf("escalation question does not mention the failure: %q", req.Question)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stagnation must surface as an escalation")
	}

	engine.Cancel()
	<-done
}

func TestHumanAnswerTimeoutReentersRecovery(t *testing.T) {
	t.Parallel()

	alwaysFail := capabilityx.Capability{
		Name: "op.first",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("no answer will fix this")
		},
	}
	registry, err := capabilityx.NewRegistry(alwaysFail, okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{
		escalateDecision("anyone there?"),
		abortDecision("nobody answered"),
	}}

	cfg := testConfig()
	cfg.HumanAnswerTimeout = 150 * time.Millisecond
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, newFakeCoordinator()), cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	outcome, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != statex.StatusFailed || outcome.Reason != "nobody answered" {
		t.Fatalf("outcome = %+v, want failed after the answer deadline", outcome)
	}

	foundTimeout := false
	for _, r := range outcome.ReasonChain {
		if strings.Contains(r, "timed out") {
			foundTimeout = true
		}
	}
	if !foundTimeout {
		t.Fatalf("reason chain must record the answer timeout: %v", outcome.ReasonChain)
	}

	reqs := oracle.recorded()
	if len(reqs) != 2 {
		t.Fatalf("oracle consulted %d times, want 2", len(reqs))
	}
	if !strings.Contains(reqs[1].FailureText, "timed out") {
		t.Fatalf("second consult must describe the timeout, got %q", reqs[1].FailureText)
	}
}

func TestSubstituteReplacesTail(t *testing.T) {
	t.Parallel()

	broken := capabilityx.Capability{
		Name: "op.second",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("route is gone")
		},
	}
	alternate := capabilityx.Capability{
		Name: "op.alternate",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true, "via": "detour"}, nil
		},
	}
	registry, err := capabilityx.NewRegistry(okStep("op.first"), broken, okStep("op.third"), alternate)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{
		{
			Kind: contractx.DecisionSubstitute,
			Substitute: &contractx.SubstituteDecision{Steps: []contractx.SubstituteStep{
				{Name: "detour", Capability: "op.alternate", SuccessWhen: "result.ok == true"},
			}},
		},
	}}
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, newFakeCoordinator()), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	outcome, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != statex.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reasons: %v)", outcome.Status, outcome.ReasonChain)
	}
	if outcome.Substitutions != 1 {
		t.Fatalf("substitutions = %d, want 1", outcome.Substitutions)
	}
	if outcome.FinalResult["via"] != "detour" {
		t.Fatalf("final result must come from the substituted step, got %v", outcome.FinalResult)
	}

	history := engine.History()
	last := history[len(history)-1]
	if last.StepName != "detour" {
		t.Fatalf("last attempt = %q, want the substituted step", last.StepName)
	}
}

func TestOracleUnavailableFallsBackToEscalation(t *testing.T) {
	t.Parallel()

	alwaysFail := capabilityx.Capability{
		Name: "op.first",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("broken")
		},
	}
	registry, err := capabilityx.NewRegistry(alwaysFail, okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{err: contractx.ErrOracleUnavailable}
	coord := newFakeCoordinator()
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, coord), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = engine.Run(context.Background())
		close(done)
	}()

	select {
	case <-coord.requests:
	case <-time.After(3 * time.Second):
		t.Fatal("oracle exhaustion must fall back to a human request")
	}
	if engine.Status() != statex.StatusSuspended {
		t.Fatalf("status = %s, want suspended", engine.Status())
	}

	engine.Cancel()
	<-done
}

type capturingStore struct {
	mu    sync.Mutex
	inner *statex.InMemoryStore
	saved []*statex.ScenarioExecution
}

func newCapturingStore() *capturingStore {
	return &capturingStore{inner: statex.NewInMemoryStore()}
}

func (s *capturingStore) Save(ctx context.Context, exec *statex.ScenarioExecution) error {
	s.mu.Lock()
	s.saved = append(s.saved, exec)
	s.mu.Unlock()
	return s.inner.Save(ctx, exec)
}

func (s *capturingStore) Load(ctx context.Context, executionID string) (*statex.ScenarioExecution, error) {
	return s.inner.Load(ctx, executionID)
}

func (s *capturingStore) Delete(ctx context.Context, executionID string) error {
	return s.inner.Delete(ctx, executionID)
}

func (s *capturingStore) suspendedSnapshot() *statex.ScenarioExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.saved {
		if e.Status == statex.StatusSuspended {
			return e
		}
	}
	return nil
}

func TestNoncompliantOracleCannotExceedAttemptBudget(t *testing.T) {
	t.Parallel()

	alwaysFail := capabilityx.Capability{
		Name: "op.first",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("persistently broken")
		},
	}
	registry, err := capabilityx.NewRegistry(alwaysFail, okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	proc := threeStepProcedure()
	proc.MaxAttemptsPerStep = 2

	// An oracle that ignores the final-decision constraint and keeps
	// proposing distinct retries. Distinct patches keep the stagnation guard
	// quiet; the engine itself must stop the run at the budget.
	script := make([]contractx.Decision, 0, 8)
	for i := 0; i < 8; i++ {
		script = append(script, retryDecision(0, map[string]any{"try": i}))
	}
	oracle := &stubOracle{script: script}
	coord := newFakeCoordinator()
	engine, err := NewEngine(proc, "sess-1", nil, testDeps(t, registry, oracle, coord), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	done := make(chan statex.Outcome, 1)
	go func() {
		outcome, _ := engine.Run(context.Background())
		done <- outcome
	}()

	select {
	case <-coord.requests:
	case <-time.After(3 * time.Second):
		t.Fatal("a retry past the budget must surface as an escalation")
	}
	if got := len(engine.History()); got != 3 {
		t.Fatalf("got %d attempts on a budget of 2, want exactly 3", got)
	}

	engine.Cancel()
	outcome := <-done

	found := false
	for _, r := range outcome.ReasonChain {
		if strings.Contains(r, "oracle decision rejected") {
			found = true
		}
	}
	if !found {
		t.Fatalf("reason chain must record the rejected decision: %v", outcome.ReasonChain)
	}
}

func TestForwardJumpRetryIsRejected(t *testing.T) {
	t.Parallel()

	alwaysFail := capabilityx.Capability{
		Name: "op.first",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, errors.New("door is locked")
		},
	}
	registry, err := capabilityx.NewRegistry(alwaysFail, okStep("op.second"), okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	// The oracle tries to skip the failing step by retrying from the one
	// after it.
	oracle := &stubOracle{script: []contractx.Decision{retryDecision(1, nil)}}
	coord := newFakeCoordinator()
	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, testDeps(t, registry, oracle, coord), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	done := make(chan statex.Outcome, 1)
	go func() {
		outcome, _ := engine.Run(context.Background())
		done <- outcome
	}()

	select {
	case <-coord.requests:
	case <-time.After(3 * time.Second):
		t.Fatal("a forward jump must surface as an escalation")
	}

	engine.Cancel()
	outcome := <-done

	for _, name := range outcome.SucceededSteps {
		if name != "first" {
			t.Fatalf("step %q ran although the execution never got past the failing step", name)
		}
	}
	for _, a := range engine.History() {
		if a.StepIndex != 0 {
			t.Fatalf("attempt on step %d although step 0 never completed", a.StepIndex)
		}
	}
}

func TestPersistedSnapshotsAreDecoupledFromLiveState(t *testing.T) {
	t.Parallel()

	failures := 1
	flaky := capabilityx.Capability{
		Name: "op.second",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			if failures > 0 {
				failures--
				return nil, errors.New("page moved")
			}
			return map[string]any{"ok": true}, nil
		},
	}
	registry, err := capabilityx.NewRegistry(okStep("op.first"), flaky, okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{
		escalateDecision("which page is it now?"),
		retryDecision(1, nil),
	}}
	coord := newFakeCoordinator()
	store := newCapturingStore()
	deps := testDeps(t, registry, oracle, coord)
	deps.Store = store

	engine, err := NewEngine(threeStepProcedure(), "sess-1", nil, deps, testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	done := make(chan statex.Outcome, 1)
	go func() {
		outcome, _ := engine.Run(context.Background())
		done <- outcome
	}()

	var req contractx.HumanRequest
	select {
	case req = <-coord.requests:
	case <-time.After(3 * time.Second):
		t.Fatal("no human request was posted")
	}

	var snap *statex.ScenarioExecution
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if snap = store.suspendedSnapshot(); snap != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap == nil {
		t.Fatal("no suspended snapshot reached the store")
	}

	if err := engine.ResolveHuman(req.ID, "the new booking page"); err != nil {
		t.Fatalf("ResolveHuman() error = %v", err)
	}

	var outcome statex.Outcome
	select {
	case outcome = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not finish after the answer")
	}
	if outcome.Status != statex.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reasons: %v)", outcome.Status, outcome.ReasonChain)
	}

	// The archived snapshot keeps the state it was saved with; later
	// transitions on the live execution must not bleed into it.
	if snap.Status != statex.StatusSuspended {
		t.Fatalf("archived snapshot mutated to %s", snap.Status)
	}
	if snap.OpenRequest == nil || snap.OpenRequest.ID != req.ID {
		t.Fatalf("archived snapshot lost its open request: %+v", snap.OpenRequest)
	}
	if len(snap.ResolvedRequests) != 0 {
		t.Fatalf("archived snapshot picked up a later resolution: %v", snap.ResolvedRequests)
	}
}

func TestRecoveryConsultCarriesStoredPreferences(t *testing.T) {
	t.Parallel()

	failures := 1
	flaky := capabilityx.Capability{
		Name: "op.second",
		Fn: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			if failures > 0 {
				failures--
				return nil, errors.New("mode rejected")
			}
			return map[string]any{"ok": true}, nil
		},
	}
	registry, err := capabilityx.NewRegistry(okStep("op.first"), flaky, okStep("op.third"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	oracle := &stubOracle{script: []contractx.Decision{retryDecision(1, nil)}}
	deps := testDeps(t, registry, oracle, newFakeCoordinator())
	if err := deps.Memory.UpsertPreference(context.Background(), contractx.Preference{
		Scope: "sess-1", Key: "mode", Value: "batch", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("UpsertPreference() error = %v", err)
	}

	engine, err := NewEngine(threeStepProcedure(), "sess-1", map[string]any{"mode": "interactive"}, deps, testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	outcome, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != statex.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reasons: %v)", outcome.Status, outcome.ReasonChain)
	}

	reqs := oracle.recorded()
	if len(reqs) != 1 {
		t.Fatalf("oracle consulted %d times, want 1", len(reqs))
	}
	if reqs[0].Preferences["mode"] != "batch" {
		t.Fatalf("consult must carry the stored preference, got %v", reqs[0].Preferences)
	}
}
