package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	contractx "github.com/tanpawarit/scenago/agent/contract"
)

const (
	// DefaultMinSimilarity is the retrieval floor: candidates below it are
	// never surfaced to the oracle.
	DefaultMinSimilarity = 0.35

	// pruneConfidenceFloor marks preferences eligible for supersession.
	pruneConfidenceFloor = 0.2
)

// Options tune retrieval and pruning policy. Zero values fall back to
// defaults.
type Options struct {
	MinSimilarity float64
}

func (o Options) minSimilarity() float64 {
	if o.MinSimilarity > 0 {
		return o.MinSimilarity
	}
	return DefaultMinSimilarity
}

// InMemoryStore is a process-local MemoryStore used in tests and single-node
// runs.
type InMemoryStore struct {
	mu          sync.RWMutex
	opts        Options
	preferences map[string]contractx.Preference // (scope|key)
	problems    map[string]contractx.SolvedProblem
	now         func() time.Time
}

func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		opts:        opts,
		preferences: make(map[string]contractx.Preference),
		problems:    make(map[string]contractx.SolvedProblem),
		now:         time.Now,
	}
}

func prefKey(scope, key string) string {
	return scope + "|" + key
}

func problemKey(scope, situation string) string {
	return scope + "|" + strings.TrimSpace(situation)
}

func (s *InMemoryStore) FindSimilarSolutions(ctx context.Context, queryEmbedding []float64, scope string, k int) ([]contractx.SolvedProblem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		entry contractx.SolvedProblem
		score float64
	}
	floor := s.opts.minSimilarity()
	var hits []scored
	for _, p := range s.problems {
		if scope != "" && p.Scope != scope {
			continue
		}
		score := Cosine(queryEmbedding, p.SituationEmbedding)
		if score < floor {
			continue
		}
		hits = append(hits, scored{entry: p, score: score})
	}

	// Descending similarity; ties prefer the more-reused, then the newer
	// episode.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].entry.TimesReused != hits[j].entry.TimesReused {
			return hits[i].entry.TimesReused > hits[j].entry.TimesReused
		}
		return hits[i].entry.CreatedAt.After(hits[j].entry.CreatedAt)
	})

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	out := make([]contractx.SolvedProblem, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.entry)
	}
	return out, nil
}

func (s *InMemoryStore) FindPreferences(ctx context.Context, scope string, keys []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if p, ok := s.preferences[prefKey(scope, key)]; ok {
			out[key] = p.Value
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpsertSolvedProblem(ctx context.Context, entry contractx.SolvedProblem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := problemKey(entry.Scope, entry.SituationText)
	if existing, ok := s.problems[key]; ok {
		existing.TimesReused++
		existing.AppliedFix = entry.AppliedFix
		existing.Outcome = entry.Outcome
		s.problems[key] = existing
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.problems[key] = entry
	return nil
}

func (s *InMemoryStore) UpsertPreference(ctx context.Context, entry contractx.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefKey(entry.Scope, entry.Key)
	if entry.LastConfirmed.IsZero() {
		entry.LastConfirmed = s.now().UTC()
	}
	if entry.Confidence <= 0 {
		entry.Confidence = 0.5
	}
	if existing, ok := s.preferences[key]; ok {
		if existing.Value == entry.Value {
			existing.Confidence = bumpConfidence(existing.Confidence)
			existing.LastConfirmed = entry.LastConfirmed
			s.preferences[key] = existing
			return nil
		}
		// Conflicting value: a low-confidence predecessor is superseded;
		// a confident one decays instead of flipping outright.
		if existing.Confidence >= pruneConfidenceFloor {
			existing.Confidence /= 2
			if entry.Confidence <= existing.Confidence {
				s.preferences[key] = existing
				return nil
			}
		}
	}
	s.preferences[key] = entry
	return nil
}

func bumpConfidence(c float64) float64 {
	c += (1 - c) / 4
	if c > 1 {
		return 1
	}
	return c
}
