// Copyright 2025 BioPassport Project
//
// Evaluation Harness Tests
//
// The acceptance test drives the full pipeline on the adversarial preset:
// generation, materialization, verification sweep, confusion matrices.

package evaluation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/xaviwho/biopassport/pkg/workload"
)

func TestRun_AdversarialAcceptanceBounds(t *testing.T) {
	rep, ds, err := Run(context.Background(), workload.PresetAdversarial)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.MaterialCount != ds.Config.MaterialCount {
		t.Fatalf("material count mismatch: %d vs %d", rep.MaterialCount, ds.Config.MaterialCount)
	}

	// On-chain verify-fail rate must land in the acceptance band.
	if rep.OnChainFailRate < 0.55 || rep.OnChainFailRate > 0.80 {
		t.Errorf("on-chain fail rate %.3f outside [0.55, 0.80]", rep.OnChainFailRate)
	}
	if rep.FullFailRate < rep.OnChainFailRate {
		t.Errorf("full fail rate %.3f below on-chain %.3f", rep.FullFailRate, rep.OnChainFailRate)
	}

	// Every class detects perfectly on-chain except artifact tampering,
	// which is invisible on-chain and perfect under full verification.
	for _, class := range workload.Classes {
		cr := rep.Classes[string(class)]
		if cr == nil {
			t.Fatalf("missing class report for %s", class)
		}
		if cr.OnChain.TP+cr.OnChain.FN == 0 {
			t.Fatalf("class %s has no positives in the adversarial preset", class)
		}
		wantOnChainTPR := 1.0
		if class == workload.AnomalyTamperedArtifact {
			wantOnChainTPR = 0.0
		}
		if got := cr.OnChainMetrics.TPR; got != wantOnChainTPR {
			t.Errorf("class %s on-chain TPR = %.3f, want %.1f", class, got, wantOnChainTPR)
		}
		if got := cr.FullMetrics.TPR; got != 1.0 {
			t.Errorf("class %s full TPR = %.3f, want 1.0", class, got)
		}
		if cr.Full.FP != 0 {
			t.Errorf("class %s has %d full false positives", class, cr.Full.FP)
		}
	}
}

func TestRun_NormalPresetMostlyPasses(t *testing.T) {
	rep, _, err := Run(context.Background(), workload.PresetNormal)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.OnChainFailRate > 0.30 {
		t.Errorf("normal preset on-chain fail rate %.3f unexpectedly high", rep.OnChainFailRate)
	}
}

func TestMaterialize_ExpectedOutcomesAgree(t *testing.T) {
	rep, _, err := Run(context.Background(), workload.PresetDrift)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, m := range rep.Materials {
		if m.ExpectedOnChainFail != !m.OnChainPass {
			t.Errorf("material %s: expected on-chain fail=%v but pass=%v (reasons %v, truth %v)",
				m.MaterialID, m.ExpectedOnChainFail, m.OnChainPass, m.OnChainReasons, m.GroundTruth)
		}
		if m.ExpectedFullFail != !m.FullPass {
			t.Errorf("material %s: expected full fail=%v but pass=%v (reasons %v)",
				m.MaterialID, m.ExpectedFullFail, m.FullPass, m.FullReasons)
		}
	}
}

func TestWriteArtifacts(t *testing.T) {
	rep, ds, err := Run(context.Background(), workload.PresetNormal)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	dir := t.TempDir()
	if err := WriteArtifacts(dir, ds, rep); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, name := range []string{"materials.json", "expected.csv", "summary.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("artifact %s: %v", name, err)
		}
	}
}

func TestBenchmark_FinalityAndStats(t *testing.T) {
	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	defer env.Close()

	stats, err := env.BenchmarkOperations(context.Background(), 20)
	if err != nil {
		t.Fatalf("benchmark: %v", err)
	}
	for _, op := range []string{"register_material", "issue_credential", "get_material", "verify_material", "get_history_slice"} {
		s, ok := stats[op]
		if !ok {
			t.Fatalf("missing stats for %s", op)
		}
		if s.Samples != 20 {
			t.Errorf("%s: expected 20 samples, got %d", op, s.Samples)
		}
		if s.P50 < 0 || s.P99 < s.P50 {
			t.Errorf("%s: inconsistent percentiles %+v", op, s)
		}
	}
}

func TestThroughput_FrozenPoolAndMix(t *testing.T) {
	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	defer env.Close()
	ctx := context.Background()

	if _, err := env.BenchmarkOperations(ctx, 10); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	results, err := env.MeasureThroughput(ctx, []int{1, 4}, 50)
	if err != nil {
		t.Fatalf("throughput: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(results))
	}
	for _, res := range results {
		if res.Operations != res.Concurrency*50 {
			t.Errorf("level %d: expected %d ops, got %d", res.Concurrency, res.Concurrency*50, res.Operations)
		}
		// 70/30 mix.
		if res.Reads != res.Concurrency*35 || res.Writes != res.Concurrency*15 {
			t.Errorf("level %d: mix off: %d reads, %d writes", res.Concurrency, res.Reads, res.Writes)
		}
		if res.OpsPerSec <= 0 {
			t.Errorf("level %d: non-positive throughput", res.Concurrency)
		}
	}
}

func TestScaling_IncrementalRegistration(t *testing.T) {
	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	defer env.Close()

	points, err := env.MeasureScaling(context.Background(), []int{50, 100}, 20)
	if err != nil {
		t.Fatalf("scaling: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Materials != 50 || points[1].Materials != 100 {
		t.Errorf("populations not incremental: %d, %d", points[0].Materials, points[1].Materials)
	}
	// Incremental registration: the registry holds exactly the final target,
	// not the sum of the scale points.
	if got := len(env.Registry.MaterialIDs()); got != 100 {
		t.Errorf("expected 100 registered materials, got %d", got)
	}
}
