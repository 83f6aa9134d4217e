// Package capability exposes the environment layer to the engine as a named
// catalogue of callable units of work. The concrete browser automation lives
// outside the core; this package carries the catalogue contract and a
// simulated portal used for local runs and tests.
package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"

	contractx "github.com/tanpawarit/scenago/agent/contract"
)

// Func executes one capability. An error return is a hard failure; the
// output map feeds the step's success predicate.
type Func func(ctx context.Context, inputs map[string]any) (map[string]any, error)

type Capability struct {
	Name        string
	Description string
	Fn          Func
}

// Registry implements contract.CapabilityProvider over a static set of
// capabilities plus an optional environment describer.
type Registry struct {
	byName   map[string]Capability
	describe func(ctx context.Context) string
}

func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{byName: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if err := r.register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(c Capability) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return fmt.Errorf("capability name is empty")
	}
	if c.Fn == nil {
		return fmt.Errorf("capability %s has no function", name)
	}
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("duplicate capability %s", name)
	}
	c.Name = name
	r.byName[name] = c
	return nil
}

// WithStateDescriber sets the environment snapshot source used in recovery
// contexts.
func (r *Registry) WithStateDescriber(fn func(ctx context.Context) string) *Registry {
	r.describe = fn
	return r
}

func (r *Registry) Invoke(ctx context.Context, name string, inputs map[string]any) (contractx.CapabilityResult, error) {
	entry, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return contractx.CapabilityResult{}, fmt.Errorf("%w: %s", contractx.ErrCapabilityUnknown, name)
	}

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := entry.Fn(ctx, inputs)
		done <- outcome{output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return contractx.CapabilityResult{}, fmt.Errorf("capability %s: %w", name, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return contractx.CapabilityResult{}, fmt.Errorf("capability %s: %w", name, res.err)
		}
		return contractx.CapabilityResult{Output: res.output}, nil
	}
}

func (r *Registry) Catalogue() []contractx.CapabilityInfo {
	infos := make([]contractx.CapabilityInfo, 0, len(r.byName))
	for _, c := range r.byName {
		infos = append(infos, contractx.CapabilityInfo{
			Name:        c.Name,
			Description: c.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) DescribeState(ctx context.Context) string {
	if r.describe == nil {
		return ""
	}
	return r.describe(ctx)
}
