// Copyright 2025 BioPassport Project
//
// Evaluation Run Repository Tests
// Uses a test database when one is configured; skipped otherwise.

package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xaviwho/biopassport/pkg/evaluation"
)

// testRepo is nil unless BIOPASSPORT_TEST_DB points at a test database.
var testRepo *RunRepository

func TestMain(m *testing.M) {
	connStr := os.Getenv("BIOPASSPORT_TEST_DB")
	if connStr == "" {
		// Skip database tests if no test DB configured.
		os.Exit(0)
	}

	var err error
	testRepo, err = NewRunRepository(connStr)
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}
	if err := testRepo.EnsureSchema(context.Background()); err != nil {
		panic("failed to apply schema: " + err.Error())
	}

	code := m.Run()

	testRepo.Close()
	os.Exit(code)
}

func sampleReport() *evaluation.Report {
	rep := &evaluation.Report{
		RunID:           uuid.NewString(),
		Preset:          "adversarial",
		EvalTime:        1_700_000_000,
		MaterialCount:   500,
		OnChainFailRate: 0.68,
		FullFailRate:    0.74,
		Classes: map[string]*evaluation.ClassReport{
			"REVOKED": {
				OnChain: evaluation.Confusion{TP: 50, TN: 450},
				Full:    evaluation.Confusion{TP: 50, TN: 450},
			},
			"TAMPERED_ARTIFACT": {
				OnChain: evaluation.Confusion{FN: 60, TN: 440},
				Full:    evaluation.Confusion{TP: 60, TN: 440},
			},
		},
		FailReasons: map[string]int{
			"MATERIAL_REVOKED": 50,
			"ARTIFACT_TAMPERED": 60,
		},
	}
	for _, cr := range rep.Classes {
		cr.OnChainMetrics = cr.OnChain.Metrics()
		cr.FullMetrics = cr.Full.Metrics()
	}
	return rep
}

func TestSaveReportAndListRuns(t *testing.T) {
	if testRepo == nil {
		t.Skip("Test database not configured")
	}
	ctx := context.Background()

	rep := sampleReport()
	if err := testRepo.SaveReport(ctx, rep); err != nil {
		t.Fatalf("save report: %v", err)
	}

	// A second save of the same run ID violates the primary key.
	if err := testRepo.SaveReport(ctx, rep); err == nil {
		t.Errorf("expected duplicate run_id to fail")
	}

	rows, err := testRepo.ListRuns(ctx, 50)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.RunID != rep.RunID {
			continue
		}
		found = true
		if row.Preset != rep.Preset || row.MaterialCount != rep.MaterialCount {
			t.Errorf("archived row mismatch: %+v", row)
		}
		if row.OnChainFailRate != rep.OnChainFailRate || row.FullFailRate != rep.FullFailRate {
			t.Errorf("archived rates mismatch: %+v", row)
		}
		if time.Since(row.CreatedAt) > time.Hour {
			t.Errorf("created_at not set on insert: %v", row.CreatedAt)
		}
	}
	if !found {
		t.Errorf("saved run %s missing from listing", rep.RunID)
	}
}

func TestSaveBenchmark(t *testing.T) {
	if testRepo == nil {
		t.Skip("Test database not configured")
	}
	bench := &evaluation.BenchmarkReport{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		Iterations: 200,
		Operations: map[string]evaluation.LatencyStats{
			"register_material": {Samples: 200, P50: 0.1, P95: 0.3, P99: 0.5, Mean: 0.15, StdDev: 0.05},
		},
	}
	if err := testRepo.SaveBenchmark(context.Background(), bench); err != nil {
		t.Fatalf("save benchmark: %v", err)
	}
}
