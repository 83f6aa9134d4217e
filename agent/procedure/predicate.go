package procedure

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// PredicateEnv is the evaluation environment for a step's success predicate:
// the scenario parameters, the resolved step inputs, and the capability
// result map.
type PredicateEnv struct {
	Params map[string]any
	Inputs map[string]any
	Result map[string]any
}

func (e PredicateEnv) asMap() map[string]any {
	return map[string]any{
		"params": nonNil(e.Params),
		"inputs": nonNil(e.Inputs),
		"result": nonNil(e.Result),
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// CheckPredicate compiles the predicate without evaluating it, for load-time
// validation.
func CheckPredicate(predicate string) error {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return nil
	}
	if _, err := expr.Compile(predicate, expr.AsBool(), expr.AllowUndefinedVariables()); err != nil {
		return fmt.Errorf("compile success predicate %q: %w", predicate, err)
	}
	return nil
}

// EvalPredicate evaluates a step's success predicate. An empty predicate is
// always satisfied. A runtime evaluation error counts as unmet, not as an
// engine error: a predicate that cannot be evaluated did not verify success.
func EvalPredicate(predicate string, env PredicateEnv) (bool, error) {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return true, nil
	}
	data := env.asMap()
	program, err := expr.Compile(predicate, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile success predicate %q: %w", predicate, err)
	}
	output, err := expr.Run(program, data)
	if err != nil {
		return false, fmt.Errorf("eval success predicate %q: %w", predicate, err)
	}
	ok, isBool := output.(bool)
	if !isBool {
		return false, fmt.Errorf("success predicate %q did not return bool (got %T)", predicate, output)
	}
	return ok, nil
}

// ResolveInputs materializes a step's input map. String values wrapped in
// ${...} are evaluated as expressions over {params, results}; everything
// else passes through as a literal. results holds prior step outputs keyed
// by step name.
func ResolveInputs(step Step, params map[string]any, results map[string]map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(step.Inputs))
	env := map[string]any{
		"params":  nonNil(params),
		"results": resultsEnv(results),
	}
	for key, raw := range step.Inputs {
		str, isStr := raw.(string)
		if !isStr || !strings.HasPrefix(str, "${") || !strings.HasSuffix(str, "}") {
			resolved[key] = raw
			continue
		}
		expression := strings.TrimSuffix(strings.TrimPrefix(str, "${"), "}")
		program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("step %q input %q: compile %q: %w", step.Name, key, expression, err)
		}
		value, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("step %q input %q: eval %q: %w", step.Name, key, expression, err)
		}
		resolved[key] = value
	}
	return resolved, nil
}

func resultsEnv(results map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(results))
	for name, m := range results {
		out[name] = m
	}
	return out
}
