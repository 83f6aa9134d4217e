package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/tanpawarit/scenago/agent/contract"
)

// candidateFetchLimit caps how many scoped episodes are pulled for in-process
// similarity ranking. The secondary index is (scope); ranking happens here.
const candidateFetchLimit = 256

type PostgresConfig struct {
	DSN     string        `envconfig:"DSN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// PostgresStore persists memory entries in two collections: `preferences`
// keyed by (scope, key) and `solved_problems` keyed by id with a secondary
// lookup on scope + situation text.
type PostgresStore struct {
	db   *bun.DB
	opts Options
}

type preferenceRow struct {
	bun.BaseModel `bun:"table:preferences"`

	Scope         string    `bun:"scope,pk"`
	Key           string    `bun:"key,pk"`
	Value         string    `bun:"value,notnull"`
	Confidence    float64   `bun:"confidence,notnull"`
	LastConfirmed time.Time `bun:"last_confirmed,notnull"`
}

type solvedProblemRow struct {
	bun.BaseModel `bun:"table:solved_problems"`

	ID                 string    `bun:"id,pk"`
	Scope              string    `bun:"scope,notnull"`
	SituationText      string    `bun:"situation_text,notnull"`
	SituationEmbedding []float64 `bun:"situation_embedding,array"`
	AppliedFix         string    `bun:"applied_fix"`
	Outcome            string    `bun:"outcome"`
	TimesReused        int       `bun:"times_reused,notnull,default:0"`
	CreatedAt          time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func NewPostgresStore(cfg PostgresConfig, opts Options) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(timeout),
	))
	db := bun.NewDB(sqldb, pgdialect.New())

	return &PostgresStore{db: db, opts: opts}, nil
}

// EnsureSchema creates both collections and the secondary indexes if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*preferenceRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create preferences table: %w", err)
	}
	if _, err := s.db.NewCreateTable().Model((*solvedProblemRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create solved_problems table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*solvedProblemRow)(nil)).
		Index("solved_problems_scope_situation_uq").
		Unique().
		Column("scope", "situation_text").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create solved_problems index: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*solvedProblemRow)(nil)).
		Index("solved_problems_scope_idx").
		Column("scope").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create solved_problems scope index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) FindSimilarSolutions(ctx context.Context, queryEmbedding []float64, scope string, k int) ([]contractx.SolvedProblem, error) {
	var rows []solvedProblemRow
	q := s.db.NewSelect().Model(&rows).Limit(candidateFetchLimit)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("query solved problems: %w", err)
	}

	type scored struct {
		entry contractx.SolvedProblem
		score float64
	}
	floor := s.opts.minSimilarity()
	var hits []scored
	for _, row := range rows {
		score := Cosine(queryEmbedding, row.SituationEmbedding)
		if score < floor {
			continue
		}
		hits = append(hits, scored{entry: rowToProblem(row), score: score})
	}
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

func (s *PostgresStore) FindPreferences(ctx context.Context, scope string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	var rows []preferenceRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("scope = ?", scope).
		Where("key IN (?)", bun.In(keys)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

func (s *PostgresStore) UpsertSolvedProblem(ctx context.Context, entry contractx.SolvedProblem) error {
	row := solvedProblemRow{
		ID:                 entry.ID,
		Scope:              entry.Scope,
		SituationText:      strings.TrimSpace(entry.SituationText),
		SituationEmbedding: entry.SituationEmbedding,
		AppliedFix:         entry.AppliedFix,
		Outcome:            entry.Outcome,
		TimesReused:        entry.TimesReused,
		CreatedAt:          entry.CreatedAt,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (scope, situation_text) DO UPDATE").
		Set("times_reused = solved_problems.times_reused + 1").
		Set("applied_fix = EXCLUDED.applied_fix").
		Set("outcome = EXCLUDED.outcome").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert solved problem: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertPreference(ctx context.Context, entry contractx.Preference) error {
	row := preferenceRow{
		Scope:         entry.Scope,
		Key:           entry.Key,
		Value:         entry.Value,
		Confidence:    entry.Confidence,
		LastConfirmed: entry.LastConfirmed,
	}
	if row.Confidence <= 0 {
		row.Confidence = 0.5
	}
	if row.LastConfirmed.IsZero() {
		row.LastConfirmed = time.Now().UTC()
	}

	if _, err := s.preferenceUpsertQuery(&row).Exec(ctx); err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

// preferenceUpsertQuery encodes the conflict policy shared with
// InMemoryStore.UpsertPreference: a confirmation of the stored value bumps
// confidence, a conflicting value halves the incumbent's confidence and
// supersedes it only when the newcomer is more confident than the decayed
// incumbent (or the incumbent already sits below the prune floor).
func (s *PostgresStore) preferenceUpsertQuery(row *preferenceRow) *bun.InsertQuery {
	decays := "preferences.value <> EXCLUDED.value AND preferences.confidence >= ? AND EXCLUDED.confidence <= preferences.confidence / 2"
	return s.db.NewInsert().
		Model(row).
		On("CONFLICT (scope, key) DO UPDATE").
		Set("value = CASE WHEN "+decays+" THEN preferences.value ELSE EXCLUDED.value END", pruneConfidenceFloor).
		Set("confidence = CASE "+
			"WHEN preferences.value = EXCLUDED.value THEN LEAST(1.0, preferences.confidence + (1.0 - preferences.confidence) / 4) "+
			"WHEN "+decays+" THEN preferences.confidence / 2 "+
			"ELSE EXCLUDED.confidence END", pruneConfidenceFloor).
		Set("last_confirmed = CASE WHEN "+decays+" THEN preferences.last_confirmed ELSE EXCLUDED.last_confirmed END", pruneConfidenceFloor)
}

func rowToProblem(row solvedProblemRow) contractx.SolvedProblem {
	return contractx.SolvedProblem{
		ID:                 row.ID,
		Scope:              row.Scope,
		SituationText:      row.SituationText,
		SituationEmbedding: row.SituationEmbedding,
		AppliedFix:         row.AppliedFix,
		Outcome:            row.Outcome,
		TimesReused:        row.TimesReused,
		CreatedAt:          row.CreatedAt,
	}
}
