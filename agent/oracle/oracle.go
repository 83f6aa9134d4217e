// Package oracle implements the LLM-backed recovery decision maker. The
// structured recovery context is rendered to text, pushed through a
// prompt -> model -> JSON-parse graph, and the resulting decision variant is
// validated before it reaches the engine.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/scenago/agent/contract"
	promptx "github.com/tanpawarit/scenago/agent/prompt"
)

// LLMOracle is a contract.DecisionOracle backed by a chat model.
type LLMOracle struct {
	chatModel    einomodel.BaseChatModel
	systemPrompt string

	compileOnce sync.Once
	compileErr  error
	runner      decisionRunner
}

func NewLLMOracle(chatModel einomodel.BaseChatModel, prompts promptx.PromptSet) (*LLMOracle, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(prompts.Decide) == "" {
		return nil, fmt.Errorf("%w: decide prompt is empty", contractx.ErrPromptMissing)
	}
	return &LLMOracle{
		chatModel:    chatModel,
		systemPrompt: prompts.Decide,
	}, nil
}

func (o *LLMOracle) Decide(ctx context.Context, req contractx.OracleRequest) (contractx.Decision, error) {
	o.compileOnce.Do(func() {
		o.runner, o.compileErr = compileDecisionGraph(ctx, o.chatModel, o.systemPrompt)
	})
	if o.compileErr != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrOracleUnavailable, o.compileErr)
	}

	input := RenderRequest(req)
	log.Debug().
		Str("procedure_id", req.ProcedureID).
		Str("failing_step", req.FailingStepName).
		Bool("final_only", req.FinalOnly).
		Msg("oracle: requesting decision")

	decision, err := o.runner.Invoke(ctx, map[string]any{"input": input})
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrOracleUnavailable, err)
	}

	if err := decision.Validate(req.FailingStepIndex, req.FinalOnly); err != nil {
		return contractx.Decision{}, err
	}

	log.Info().
		Str("procedure_id", req.ProcedureID).
		Str("decision", string(decision.Kind)).
		Str("used_memory_id", decision.UsedMemoryID).
		Msg("oracle: decision made")
	return decision, nil
}

// RenderRequest flattens the structured recovery context into the prompt
// input text.
func RenderRequest(req contractx.OracleRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Procedure: %s\n", req.ProcedureID)
	fmt.Fprintf(&b, "Failing step: #%d %s\n", req.FailingStepIndex, req.FailingStepName)
	fmt.Fprintf(&b, "Failure (%s): %s\n", req.FailureKind, req.FailureText)

	if req.HistoryText != "" {
		b.WriteString("\nExecution history:\n")
		b.WriteString(req.HistoryText)
		b.WriteString("\n")
	}
	if req.EnvSnapshot != "" {
		fmt.Fprintf(&b, "\nEnvironment snapshot: %s\n", req.EnvSnapshot)
	}

	if len(req.Capabilities) > 0 {
		b.WriteString("\nAvailable capabilities:\n")
		for _, c := range req.Capabilities {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
	}

	if len(req.MemoryCandidates) > 0 {
		b.WriteString("\nRemembered fixes for similar situations:\n")
		for _, m := range req.MemoryCandidates {
			fmt.Fprintf(&b, "- id=%s (reused %d times) situation: %s | fix: %s | outcome: %s\n",
				m.ID, m.TimesReused, m.SituationText, m.AppliedFix, m.Outcome)
		}
	}

	if len(req.Preferences) > 0 {
		keys := make([]string, 0, len(req.Preferences))
		for k := range req.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nKnown user preferences:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Preferences[k])
		}
	}

	if req.HumanAnswer != "" {
		fmt.Fprintf(&b, "\nHuman operator answered: %s\n", req.HumanAnswer)
	}

	if req.FinalOnly {
		b.WriteString("\nThe attempt budget for this step is exhausted. A final decision is required: answer with escalate or abort only.\n")
	}

	return b.String()
}
