// Package procedure defines the immutable multi-step procedure model the
// scenario engine executes: ordered step definitions, their input templates,
// and expr-based success predicates.
package procedure

import (
	"fmt"
	"strings"
)

// Step names a capability, the inputs it needs, and the predicate that
// decides whether the step achieved its effect.
type Step struct {
	Name        string         `yaml:"name" json:"name"`
	Capability  string         `yaml:"capability" json:"capability"`
	Inputs      map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	SuccessWhen string         `yaml:"success_when,omitempty" json:"success_when,omitempty"`
}

// Procedure is an ordered sequence of steps for one task type. Immutable
// once loaded; executions work on their own copy of the step list.
type Procedure struct {
	ID                 string   `yaml:"id" json:"id"`
	Goal               string   `yaml:"goal" json:"goal"`
	RequiredParams     []string `yaml:"required_params,omitempty" json:"required_params,omitempty"`
	MaxAttemptsPerStep int      `yaml:"max_attempts_per_step,omitempty" json:"max_attempts_per_step,omitempty"`
	Steps              []Step   `yaml:"steps" json:"steps"`
}

// DefaultMaxAttemptsPerStep caps automatic recovery cycles on one step
// before the oracle is constrained to escalate or abort.
const DefaultMaxAttemptsPerStep = 3

func (p *Procedure) Validate() error {
	if p == nil {
		return fmt.Errorf("nil procedure")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("procedure id is empty")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("procedure %s has no steps", p.ID)
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.Capability) == "" {
			return fmt.Errorf("procedure %s step %d has no capability", p.ID, i)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("procedure %s step %d has no name", p.ID, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("procedure %s has duplicate step name %q", p.ID, name)
		}
		seen[name] = struct{}{}
		if s.SuccessWhen != "" {
			if err := CheckPredicate(s.SuccessWhen); err != nil {
				return fmt.Errorf("procedure %s step %q: %w", p.ID, name, err)
			}
		}
	}
	if p.MaxAttemptsPerStep < 0 {
		return fmt.Errorf("procedure %s: max_attempts_per_step must be >= 0", p.ID)
	}
	return nil
}

// AttemptBudget returns the per-step automatic recovery budget.
func (p *Procedure) AttemptBudget() int {
	if p.MaxAttemptsPerStep > 0 {
		return p.MaxAttemptsPerStep
	}
	return DefaultMaxAttemptsPerStep
}

// MissingParams reports declared required parameters absent from params.
func (p *Procedure) MissingParams(params map[string]any) []string {
	var missing []string
	for _, key := range p.RequiredParams {
		if _, ok := params[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// CloneSteps returns a mutable copy of the step list for one execution.
// Substitutions rewrite the execution's copy, never the procedure.
func (p *Procedure) CloneSteps() []Step {
	out := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Clone()
	}
	return out
}

func (s Step) Clone() Step {
	c := s
	if s.Inputs != nil {
		c.Inputs = make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			c.Inputs[k] = v
		}
	}
	return c
}

// Registry is an immutable lookup of loaded procedures by id.
type Registry struct {
	byID map[string]*Procedure
}

func NewRegistry(procs ...*Procedure) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Procedure, len(procs))}
	for _, p := range procs {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate procedure id %q", p.ID)
		}
		r.byID[p.ID] = p
	}
	return r, nil
}

func (r *Registry) Get(id string) (*Procedure, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.byID[strings.TrimSpace(id)]
	return p, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}
