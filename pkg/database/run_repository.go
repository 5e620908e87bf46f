// Copyright 2025 BioPassport Project
//
// Evaluation Run Repository - CRUD for evaluation_runs and per-class
// confusion rows. Optional archive: deployments without Postgres keep their
// artifacts on disk only.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/xaviwho/biopassport/pkg/evaluation"
)

// Schema for the evaluation archive. Applied by EnsureSchema.
const schema = `
CREATE TABLE IF NOT EXISTS evaluation_runs (
    run_id            UUID PRIMARY KEY,
    preset            TEXT NOT NULL,
    eval_time         BIGINT NOT NULL,
    material_count    INT NOT NULL,
    onchain_fail_rate DOUBLE PRECISION NOT NULL,
    full_fail_rate    DOUBLE PRECISION NOT NULL,
    fail_reasons      JSONB NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evaluation_classes (
    run_id        UUID NOT NULL REFERENCES evaluation_runs(run_id) ON DELETE CASCADE,
    anomaly_class TEXT NOT NULL,
    onchain_tp    INT NOT NULL,
    onchain_fp    INT NOT NULL,
    onchain_fn    INT NOT NULL,
    onchain_tn    INT NOT NULL,
    full_tp       INT NOT NULL,
    full_fp       INT NOT NULL,
    full_fn       INT NOT NULL,
    full_tn       INT NOT NULL,
    PRIMARY KEY (run_id, anomaly_class)
);

CREATE TABLE IF NOT EXISTS benchmark_reports (
    run_id     UUID PRIMARY KEY,
    started_at TIMESTAMPTZ NOT NULL,
    report     JSONB NOT NULL
);
`

// RunRepository archives evaluation and benchmark runs in Postgres.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository opens a connection pool against databaseURL.
func NewRunRepository(databaseURL string) (*RunRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &RunRepository{db: db}, nil
}

// Close releases the connection pool.
func (r *RunRepository) Close() error {
	return r.db.Close()
}

// EnsureSchema creates the archive tables if they do not exist.
func (r *RunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply evaluation schema: %w", err)
	}
	return nil
}

// SaveReport stores one evaluation report and its per-class rows in a single
// transaction.
func (r *RunRepository) SaveReport(ctx context.Context, rep *evaluation.Report) error {
	reasons, err := json.Marshal(rep.FailReasons)
	if err != nil {
		return fmt.Errorf("marshal fail reasons: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evaluation_runs
			(run_id, preset, eval_time, material_count, onchain_fail_rate, full_fail_rate, fail_reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rep.RunID, rep.Preset, rep.EvalTime, rep.MaterialCount,
		rep.OnChainFailRate, rep.FullFailRate, reasons)
	if err != nil {
		return fmt.Errorf("insert evaluation run %s: %w", rep.RunID, err)
	}

	for class, cr := range rep.Classes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO evaluation_classes
				(run_id, anomaly_class,
				 onchain_tp, onchain_fp, onchain_fn, onchain_tn,
				 full_tp, full_fp, full_fn, full_tn)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rep.RunID, class,
			cr.OnChain.TP, cr.OnChain.FP, cr.OnChain.FN, cr.OnChain.TN,
			cr.Full.TP, cr.Full.FP, cr.Full.FN, cr.Full.TN)
		if err != nil {
			return fmt.Errorf("insert class row %s/%s: %w", rep.RunID, class, err)
		}
	}
	return tx.Commit()
}

// SaveBenchmark stores one benchmark report as JSONB.
func (r *RunRepository) SaveBenchmark(ctx context.Context, bench *evaluation.BenchmarkReport) error {
	blob, err := json.Marshal(bench)
	if err != nil {
		return fmt.Errorf("marshal benchmark report: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339, bench.StartedAt)
	if err != nil {
		startedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO benchmark_reports (run_id, started_at, report)
		VALUES ($1, $2, $3)`,
		bench.RunID, startedAt, blob)
	if err != nil {
		return fmt.Errorf("insert benchmark report %s: %w", bench.RunID, err)
	}
	return nil
}

// RunSummaryRow is one archived run listing entry.
type RunSummaryRow struct {
	RunID           string    `json:"run_id"`
	Preset          string    `json:"preset"`
	MaterialCount   int       `json:"material_count"`
	OnChainFailRate float64   `json:"onchain_fail_rate"`
	FullFailRate    float64   `json:"full_fail_rate"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListRuns returns the most recent archived runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]RunSummaryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, preset, material_count, onchain_fail_rate, full_fail_rate, created_at
		FROM evaluation_runs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list evaluation runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummaryRow
	for rows.Next() {
		var row RunSummaryRow
		if err := rows.Scan(&row.RunID, &row.Preset, &row.MaterialCount,
			&row.OnChainFailRate, &row.FullFailRate, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation run: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
