// Copyright 2025 BioPassport Project
//
// Persisted evaluation artifacts. One run writes a materials JSON file, a
// per-material CSV of expected and observed outcomes, a summary JSON with
// exact counts and the fail-reason histogram, and a benchmark report JSON.

package evaluation

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xaviwho/biopassport/pkg/workload"
)

// WriteArtifacts persists the reproducibility artifacts of one evaluation
// run into dir, creating it if needed.
func WriteArtifacts(dir string, ds *workload.Dataset, rep *Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "materials.json"), ds); err != nil {
		return err
	}
	if err := writeExpectedCSV(filepath.Join(dir, "expected.csv"), rep); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "summary.json"), summaryOf(rep))
}

// WriteBenchmarkReport persists a benchmark report JSON into dir.
func WriteBenchmarkReport(dir string, bench *BenchmarkReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, "benchmark.json"), bench)
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeExpectedCSV(path string, rep *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"material_id", "ground_truth",
		"expected_onchain_fail", "onchain_pass", "onchain_reasons",
		"expected_full_fail", "full_pass", "full_reasons",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, m := range rep.Materials {
		labels := make([]string, len(m.GroundTruth))
		for i, g := range m.GroundTruth {
			labels[i] = string(g)
		}
		row := []string{
			m.MaterialID,
			strings.Join(labels, "|"),
			strconv.FormatBool(m.ExpectedOnChainFail),
			strconv.FormatBool(m.OnChainPass),
			strings.Join(m.OnChainReasons, "|"),
			strconv.FormatBool(m.ExpectedFullFail),
			strconv.FormatBool(m.FullPass),
			strings.Join(m.FullReasons, "|"),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row for %s: %w", m.MaterialID, err)
		}
	}
	w.Flush()
	return w.Error()
}

// Summary is the exact-count digest of one run.
type Summary struct {
	RunID           string                  `json:"run_id"`
	Preset          string                  `json:"preset"`
	EvalTime        int64                   `json:"eval_time"`
	MaterialCount   int                     `json:"material_count"`
	OnChainFailRate float64                 `json:"onchain_fail_rate"`
	FullFailRate    float64                 `json:"full_fail_rate"`
	FailReasons     map[string]int          `json:"fail_reasons"`
	Classes         map[string]*ClassReport `json:"classes"`
}

func summaryOf(rep *Report) *Summary {
	return &Summary{
		RunID:           rep.RunID,
		Preset:          rep.Preset,
		EvalTime:        rep.EvalTime,
		MaterialCount:   rep.MaterialCount,
		OnChainFailRate: rep.OnChainFailRate,
		FullFailRate:    rep.FullFailRate,
		FailReasons:     rep.FailReasons,
		Classes:         rep.Classes,
	}
}
