package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/decide.txt
	decideRaw string

	//go:embed template/preferences.txt
	preferencesRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Decide      string
	Preferences string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Decide:      strings.TrimSpace(decideRaw),
		Preferences: strings.TrimSpace(preferencesRaw),
	}
}
