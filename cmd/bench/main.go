// Copyright 2025 BioPassport Project
//
// Evaluation runner. Generates the labelled workloads, materializes them
// onto a fresh registry, computes confusion matrices, measures operation
// latency and mixed-workload throughput, and persists the run artifacts.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xaviwho/biopassport/pkg/config"
	"github.com/xaviwho/biopassport/pkg/database"
	"github.com/xaviwho/biopassport/pkg/evaluation"
	"github.com/xaviwho/biopassport/pkg/workload"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags)

	var (
		presets    = flag.String("presets", "normal,drift,adversarial", "Comma-separated dataset presets to run")
		outDir     = flag.String("out", "", "Artifact output directory (default EVAL_ARTIFACT_DIR)")
		iterations = flag.Int("iterations", 200, "Latency iterations per operation")
		bench      = flag.Bool("bench", true, "Run the latency/throughput benchmark")
		archive    = flag.Bool("archive", false, "Archive results to DATABASE_URL")
		list       = flag.Bool("list", false, "List archived runs from DATABASE_URL and exit")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[bench] failed to load configuration: %v", err)
	}

	if *list {
		if err := listRuns(context.Background(), cfg.DatabaseURL); err != nil {
			log.Fatalf("[bench] failed to list runs: %v", err)
		}
		return
	}
	dir := *outDir
	if dir == "" {
		dir = cfg.EvalArtifactDir
	}

	var presetCfg *config.EvalConfig
	if cfg.EvalPresetFile != "" {
		presetCfg, err = config.LoadEvalConfig(cfg.EvalPresetFile)
		if err != nil {
			log.Fatalf("[bench] failed to load preset file: %v", err)
		}
		log.Printf("[bench] presets loaded from %s", cfg.EvalPresetFile)
	}

	var repo *database.RunRepository
	if *archive {
		if cfg.DatabaseURL == "" {
			log.Fatalf("[bench] -archive requires DATABASE_URL")
		}
		repo, err = database.NewRunRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[bench] failed to open archive database: %v", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("[bench] failed to apply archive schema: %v", err)
		}
	}

	ctx := context.Background()
	for _, name := range strings.Split(*presets, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := runPreset(ctx, name, dir, presetCfg, repo); err != nil {
			log.Fatalf("[bench] preset %s failed: %v", name, err)
		}
	}

	if *bench {
		if err := runBenchmark(ctx, dir, *iterations, repo); err != nil {
			log.Fatalf("[bench] benchmark failed: %v", err)
		}
	}
	log.Printf("[bench] done; artifacts in %s", dir)
}

func listRuns(ctx context.Context, databaseURL string) error {
	if databaseURL == "" {
		return fmt.Errorf("-list requires DATABASE_URL")
	}
	repo, err := database.NewRunRepository(databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	rows, err := repo.ListRuns(ctx, 20)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		log.Printf("[bench] no archived runs")
		return nil
	}
	for _, row := range rows {
		log.Printf("[bench] %s  %-12s %4d materials  onchain fail %.3f  full fail %.3f  %s",
			row.RunID, row.Preset, row.MaterialCount,
			row.OnChainFailRate, row.FullFailRate, row.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runPreset(ctx context.Context, name, dir string, presetCfg *config.EvalConfig, repo *database.RunRepository) error {
	log.Printf("[bench] running preset %s", name)

	wcfg, err := resolvePreset(presetCfg, name)
	if err != nil {
		return err
	}
	env, err := evaluation.NewEnv(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ds, err := workload.Generate(wcfg, env.Clock.Now().Unix())
	if err != nil {
		return err
	}
	if err := env.Materialize(ctx, ds); err != nil {
		return err
	}
	rep, err := env.Evaluate(ctx, ds)
	if err != nil {
		return err
	}
	log.Printf("[bench] %s: onchain fail rate %.3f, full fail rate %.3f",
		name, rep.OnChainFailRate, rep.FullFailRate)

	if err := evaluation.WriteArtifacts(filepath.Join(dir, name), ds, rep); err != nil {
		return err
	}
	if repo != nil {
		if err := repo.SaveReport(ctx, rep); err != nil {
			return err
		}
	}
	return nil
}

func resolvePreset(presetCfg *config.EvalConfig, name string) (workload.Config, error) {
	if presetCfg != nil {
		return presetCfg.Preset(name)
	}
	return workload.Preset(name)
}

func runBenchmark(ctx context.Context, dir string, iterations int, repo *database.RunRepository) error {
	log.Printf("[bench] measuring operation latency (%d iterations)", iterations)

	env, err := evaluation.NewEnv(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	report := &evaluation.BenchmarkReport{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		Iterations: iterations,
	}
	report.Operations, err = env.BenchmarkOperations(ctx, iterations)
	if err != nil {
		return err
	}
	report.Throughput, err = env.MeasureThroughput(ctx, []int{1, 4, 16}, iterations)
	if err != nil {
		return err
	}
	report.Scaling, err = env.MeasureScaling(ctx, []int{500, 1000, 2000}, 100)
	if err != nil {
		return err
	}

	if err := evaluation.WriteBenchmarkReport(dir, report); err != nil {
		return err
	}
	if repo != nil {
		if err := repo.SaveBenchmark(ctx, report); err != nil {
			return err
		}
	}
	for op, stats := range report.Operations {
		log.Printf("[bench] %-20s p50=%.3fms p95=%.3fms p99=%.3fms", op, stats.P50, stats.P95, stats.P99)
	}
	return nil
}
