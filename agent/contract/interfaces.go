package contract

import "context"

// CapabilityProvider is the opaque environment layer the engine invokes.
// Invocation errors are hard failures; a nil error with an Output map is fed
// to the step's success predicate.
type CapabilityProvider interface {
	Invoke(ctx context.Context, name string, inputs map[string]any) (CapabilityResult, error)
	Catalogue() []CapabilityInfo
	// DescribeState returns a concise description of the environment for
	// recovery context snapshots. Best effort; may return "".
	DescribeState(ctx context.Context) string
}

// DecisionOracle turns a structured recovery context into a decision variant.
type DecisionOracle interface {
	Decide(ctx context.Context, req OracleRequest) (Decision, error)
}

// MemoryStore holds learned preferences and solved-problem episodes.
// Upserts are idempotent: re-submitting an equivalent entry bumps
// TimesReused/Confidence/LastConfirmed instead of duplicating.
type MemoryStore interface {
	FindSimilarSolutions(ctx context.Context, queryEmbedding []float64, scope string, k int) ([]SolvedProblem, error)
	FindPreferences(ctx context.Context, scope string, keys []string) (map[string]string, error)
	UpsertSolvedProblem(ctx context.Context, entry SolvedProblem) error
	UpsertPreference(ctx context.Context, entry Preference) error
}

// Embedder maps text to a vector. Same input text yields the same vector
// within a run.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Coordinator is the async human-in-the-loop channel. PostRequest must not
// block beyond a short bounded send timeout; delivery of replies is
// at-least-once, so handlers must tolerate duplicates.
type Coordinator interface {
	PostRequest(ctx context.Context, req HumanRequest) error
	Subscribe(handler func(HumanReply)) error
	Close() error
}

// Observer receives progress events for the external view layer.
type Observer interface {
	OnEvent(ev Event)
}
