package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
	_ "github.com/lib/pq"
)

const usageSchemaSQL = `
CREATE TABLE IF NOT EXISTS usage_states (
	subject TEXT PRIMARY KEY,
	plan TEXT NOT NULL DEFAULT 'free',
	count INTEGER NOT NULL DEFAULT 0,
	period_start TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	subject TEXT NOT NULL,
	result_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	input_bytes BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_logs_subject_created_at_idx ON usage_logs (subject, created_at DESC);
`

type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(ctx context.Context, dsn string) (*PostgresUsageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresUsageStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresUsageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usageSchemaSQL); err != nil {
		return fmt.Errorf("ensure usage schema: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Close() error {
	return s.db.Close()
}

func (s *PostgresUsageStore) Load(ctx context.Context, subject string, period time.Duration, now time.Time) (domain.UsageState, error) {
	// Postgres keeps microseconds; truncating keeps snapshot comparisons exact.
	now = now.UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("begin usage load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO usage_states (subject, plan, count, period_start, updated_at)
		 VALUES ($1, $2, 0, $3, $3)
		 ON CONFLICT (subject) DO NOTHING`,
		subject,
		string(domain.PlanFree),
		now,
	); err != nil {
		return domain.UsageState{}, fmt.Errorf("insert usage state: %w", err)
	}

	state, err := scanUsageState(tx.QueryRowContext(
		ctx,
		`SELECT count, plan, period_start
		 FROM usage_states
		 WHERE subject = $1
		 FOR UPDATE`,
		subject,
	))
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("query usage state: %w", err)
	}

	if rolled, changed := state.Rollover(now, period); changed {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE usage_states
			 SET count = $1, period_start = $2, updated_at = $3
			 WHERE subject = $4`,
			rolled.Count,
			rolled.PeriodStart,
			now,
			subject,
		); err != nil {
			return domain.UsageState{}, fmt.Errorf("roll over usage period: %w", err)
		}
		state = rolled
	}

	if err := tx.Commit(); err != nil {
		return domain.UsageState{}, fmt.Errorf("commit usage load: %w", err)
	}
	return state, nil
}

func (s *PostgresUsageStore) Commit(ctx context.Context, subject string, expected domain.UsageState, usage domain.UsageLog) (domain.UsageState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("begin usage commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state, err := scanUsageState(tx.QueryRowContext(
		ctx,
		`UPDATE usage_states
		 SET count = count + 1, updated_at = $4
		 WHERE subject = $1 AND count = $2 AND period_start = $3
		 RETURNING count, plan, period_start`,
		subject,
		expected.Count,
		expected.PeriodStart,
		time.Now().UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageState{}, fmt.Errorf("commit usage for %s: %w", subject, domain.ErrUsageConflict)
	}
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("increment usage: %w", err)
	}

	createdAt := usage.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO usage_logs (subject, result_id, backend, input_bytes, output_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		subject,
		usage.ResultID,
		usage.Backend,
		usage.InputBytes,
		usage.OutputBytes,
		usage.ComputeTimeMS,
		createdAt,
	); err != nil {
		return domain.UsageState{}, fmt.Errorf("insert usage log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.UsageState{}, fmt.Errorf("commit usage: %w", err)
	}
	return state, nil
}

func (s *PostgresUsageStore) SetPlan(ctx context.Context, subject string, plan domain.Plan, now time.Time) (domain.UsageState, error) {
	now = now.UTC().Truncate(time.Microsecond)
	state, err := scanUsageState(s.db.QueryRowContext(
		ctx,
		`INSERT INTO usage_states (subject, plan, count, period_start, updated_at)
		 VALUES ($1, $2, 0, $3, $3)
		 ON CONFLICT (subject) DO UPDATE SET plan = EXCLUDED.plan, updated_at = EXCLUDED.updated_at
		 RETURNING count, plan, period_start`,
		subject,
		string(plan),
		now,
	))
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("set plan: %w", err)
	}
	return state, nil
}

func scanUsageState(row *sql.Row) (domain.UsageState, error) {
	var (
		state domain.UsageState
		plan  string
	)
	if err := row.Scan(&state.Count, &plan, &state.PeriodStart); err != nil {
		return domain.UsageState{}, err
	}
	state.Plan = domain.Plan(plan)
	state.PeriodStart = state.PeriodStart.UTC()
	return state, nil
}
