package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fincast/pkg/core/forecast"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by LoadRun for unknown run IDs.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS forecast_runs (
	run_id      TEXT PRIMARY KEY,
	ticker      TEXT NOT NULL,
	method      TEXT NOT NULL,
	state       TEXT NOT NULL,
	fair_value  DOUBLE PRECISION,
	calls_used  INTEGER NOT NULL,
	cost        DOUBLE PRECISION NOT NULL,
	error       TEXT,
	status_json JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS forecast_runs_ticker_idx ON forecast_runs (ticker, started_at DESC);
`

// ForecastRepo persists finished forecast runs. It satisfies
// forecast.RunRecorder.
type ForecastRepo struct {
	db DB
}

var _ forecast.RunRecorder = (*ForecastRepo)(nil)

// NewForecastRepo creates a repository over db.
func NewForecastRepo(db DB) *ForecastRepo {
	return &ForecastRepo{db: db}
}

// EnsureSchema creates the forecast_runs table if it does not exist.
func (r *ForecastRepo) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("database pool not initialized")
	}
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create forecast_runs: %w", err)
	}
	return nil
}

// SaveRun upserts the status of one run, keyed by run ID.
func (r *ForecastRepo) SaveRun(ctx context.Context, st forecast.RunStatus) error {
	if r.db == nil {
		return fmt.Errorf("database pool not initialized")
	}

	statusJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", st.RunID, err)
	}

	var fairValue *float64
	if st.Result != nil {
		fv := st.Result.FairValue
		fairValue = &fv
	}
	var errText *string
	if st.Error != "" {
		errText = &st.Error
	}

	query := `
		INSERT INTO forecast_runs (run_id, ticker, method, state, fair_value, calls_used, cost, error, status_json, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id)
		DO UPDATE SET
			state = EXCLUDED.state,
			fair_value = EXCLUDED.fair_value,
			calls_used = EXCLUDED.calls_used,
			cost = EXCLUDED.cost,
			error = EXCLUDED.error,
			status_json = EXCLUDED.status_json,
			finished_at = EXCLUDED.finished_at;
	`

	_, err = r.db.Exec(ctx, query,
		st.RunID, st.Ticker, string(st.Method), string(st.State),
		fairValue, st.Budget.CallsUsed, st.Budget.Cost, errText,
		statusJSON, st.StartedAt, st.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", st.RunID, err)
	}
	return nil
}

// LoadRun retrieves a persisted run, including its research trail.
func (r *ForecastRepo) LoadRun(ctx context.Context, runID string) (*forecast.RunStatus, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database pool not initialized")
	}

	var data []byte
	err := r.db.QueryRow(ctx, `SELECT status_json FROM forecast_runs WHERE run_id = $1`, runID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var st forecast.RunStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &st, nil
}

// Prune deletes finished runs that ended before cutoff.
func (r *ForecastRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if r.db == nil {
		return 0, fmt.Errorf("database pool not initialized")
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM forecast_runs WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
