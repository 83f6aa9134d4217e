package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/scenago/agent/contract"
	promptx "github.com/tanpawarit/scenago/agent/prompt"
)

type preferencesLLMOutput struct {
	Preferences []extractedPreference `json:"preferences"`
}

type extractedPreference struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// PreferenceExtractor mines durable user preferences out of a finished
// execution's history. Extraction failures are logged and swallowed by the
// caller; they never affect the scenario outcome.
type PreferenceExtractor struct {
	chatModel    einomodel.BaseChatModel
	systemPrompt string

	compileOnce sync.Once
	compileErr  error
	runner      compose.Runnable[map[string]any, preferencesLLMOutput]
}

func NewPreferenceExtractor(chatModel einomodel.BaseChatModel, prompts promptx.PromptSet) (*PreferenceExtractor, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(prompts.Preferences) == "" {
		return nil, fmt.Errorf("%w: preferences prompt is empty", contractx.ErrPromptMissing)
	}
	return &PreferenceExtractor{
		chatModel:    chatModel,
		systemPrompt: prompts.Preferences,
	}, nil
}

// Extract returns scope-less preferences; the caller assigns the scope
// before persisting.
func (e *PreferenceExtractor) Extract(ctx context.Context, summary string) ([]contractx.Preference, error) {
	e.compileOnce.Do(func() {
		e.runner, e.compileErr = compileStructuredLLMGraph[preferencesLLMOutput](ctx, e.chatModel, e.systemPrompt, "oracle.preferences_graph")
	})
	if e.compileErr != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrOracleUnavailable, e.compileErr)
	}

	out, err := e.runner.Invoke(ctx, map[string]any{"input": summary})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrOracleUnavailable, err)
	}

	prefs := make([]contractx.Preference, 0, len(out.Preferences))
	for _, p := range out.Preferences {
		key := strings.TrimSpace(p.Key)
		value := strings.TrimSpace(p.Value)
		if key == "" || value == "" {
			continue
		}
		conf := p.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		prefs = append(prefs, contractx.Preference{
			Key:        key,
			Value:      value,
			Confidence: conf,
		})
	}
	log.Debug().Int("count", len(prefs)).Msg("oracle: preferences extracted")
	return prefs, nil
}
