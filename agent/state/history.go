package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RenderHistory formats the last n step attempts as text for LLM analysis.
// Failed attempts always carry their failure kind and environment note;
// successful ones are summarized.
func (e *ScenarioExecution) RenderHistory(n int) string {
	if e == nil || len(e.Attempts) == 0 {
		return "No execution history available."
	}

	attempts := e.Attempts
	if n > 0 && len(attempts) > n {
		attempts = attempts[len(attempts)-n:]
	}

	succeeded := 0
	for _, a := range e.Attempts {
		if a.Succeeded() {
			succeeded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Execution status: %s\n", e.Status)
	fmt.Fprintf(&b, "Total attempts: %d (%d succeeded)\n", len(e.Attempts), succeeded)
	b.WriteString("Attempt records:\n")

	for _, a := range attempts {
		fmt.Fprintf(&b, "\n--- Attempt #%d ---\n", a.Seq)
		fmt.Fprintf(&b, "step: %s (index %d), capability: %s\n", a.StepName, a.StepIndex, a.Capability)
		if len(a.Inputs) > 0 {
			fmt.Fprintf(&b, "inputs: %s\n", compactJSON(a.Inputs))
		}
		if a.Succeeded() {
			fmt.Fprintf(&b, "outcome: success, result: %s\n", compactJSON(a.Result))
		} else {
			fmt.Fprintf(&b, "outcome: %s failure, error: %s\n", a.FailureKind, a.Failure)
		}
		if a.Note != "" {
			fmt.Fprintf(&b, "note: %s\n", a.Note)
		}
	}
	return b.String()
}

func compactJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
