// Copyright 2025 BioPassport Project
//
// Latency and throughput measurement. Latencies are measured to finality:
// every write receipt is asserted to carry its block height and success
// marker before the sample is recorded. Throughput runs a 70% read / 30%
// write mix at fixed concurrency levels; the read pool is frozen before the
// run so pool growth does not bias the result.

package evaluation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xaviwho/biopassport/pkg/canonical"
	"github.com/xaviwho/biopassport/pkg/registry"
)

// LatencyStats summarizes one operation's latency samples, in milliseconds.
type LatencyStats struct {
	Samples int     `json:"samples"`
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
	Mean    float64 `json:"mean_ms"`
	StdDev  float64 `json:"stddev_ms"`
}

// computeStats derives percentile statistics from raw samples.
func computeStats(durs []time.Duration) LatencyStats {
	if len(durs) == 0 {
		return LatencyStats{}
	}
	ms := make([]float64, len(durs))
	sum := 0.0
	for i, d := range durs {
		ms[i] = float64(d.Nanoseconds()) / 1e6
		sum += ms[i]
	}
	sort.Float64s(ms)
	mean := sum / float64(len(ms))
	varSum := 0.0
	for _, v := range ms {
		varSum += (v - mean) * (v - mean)
	}
	return LatencyStats{
		Samples: len(ms),
		P50:     percentile(ms, 0.50),
		P95:     percentile(ms, 0.95),
		P99:     percentile(ms, 0.99),
		Mean:    mean,
		StdDev:  math.Sqrt(varSum / float64(len(ms))),
	}
}

// percentile reads the nearest-rank percentile from sorted samples.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ThroughputResult is one mixed-workload measurement.
type ThroughputResult struct {
	Concurrency int     `json:"concurrency"`
	Operations  int     `json:"operations"`
	Reads       int     `json:"reads"`
	Writes      int     `json:"writes"`
	Seconds     float64 `json:"seconds"`
	OpsPerSec   float64 `json:"ops_per_sec"`
}

// ScalingPoint is a read-latency measurement at one registry population.
type ScalingPoint struct {
	Materials  int          `json:"materials"`
	GetLatency LatencyStats `json:"get_material"`
	// HistorySlice uses the paginated read path.
	HistorySlice LatencyStats `json:"history_slice"`
}

// BenchmarkReport aggregates all measurements of one benchmark run.
type BenchmarkReport struct {
	RunID      string                  `json:"run_id"`
	StartedAt  string                  `json:"started_at"`
	Iterations int                     `json:"iterations"`
	Operations map[string]LatencyStats `json:"operations"`
	Throughput []ThroughputResult      `json:"throughput"`
	Scaling    []ScalingPoint          `json:"scaling"`
}

// BenchmarkOperations measures per-operation commit latency over iters
// iterations. Every receipt is checked for finality; a non-final receipt
// aborts the run.
func (e *Env) BenchmarkOperations(ctx context.Context, iters int) (map[string]LatencyStats, error) {
	if iters <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iters)
	}
	out := make(map[string]LatencyStats)
	owner := ownerAddress("Benchmark Lab")
	metadata := common.Hash(canonical.HashBytes([]byte("benchmark material")))

	// Idempotent in content: re-authorizing with the same flags leaves the
	// permission record unchanged, though it still commits a history entry.
	if err := assertFinal(e.Registry.AuthorizeIssuer(ctx, e.Admin, e.qcSigner.Address(), false, true, false)); err != nil {
		return nil, fmt.Errorf("authorize benchmark issuer: %w", err)
	}

	// register_material
	matIDs := make([]string, 0, iters)
	durs := make([]time.Duration, 0, iters)
	for i := 0; i < iters; i++ {
		start := time.Now()
		id, rcpt, err := e.Registry.RegisterMaterial(ctx, owner, registry.MaterialCellLine, metadata, "Benchmark Lab")
		if err := assertFinal(rcpt, err); err != nil {
			return nil, fmt.Errorf("register_material iteration %d: %w", i, err)
		}
		durs = append(durs, time.Since(start))
		matIDs = append(matIDs, id)
	}
	out["register_material"] = computeStats(durs)

	// issue_credential
	artifactHash := common.Hash(canonical.HashBytes([]byte("benchmark artifact")))
	durs = durs[:0]
	for i := 0; i < iters; i++ {
		start := time.Now()
		_, rcpt, err := e.Registry.IssueCredential(ctx, e.qcSigner.Address(), registry.IssueParams{
			MaterialID:     matIDs[i],
			Type:           registry.CredentialQCMyco,
			CommitmentHash: metadata,
			ArtifactCID:    "cid:benchmark",
			ArtifactHash:   artifactHash,
			IssuerOrg:      "Benchmark Lab",
		})
		if err := assertFinal(rcpt, err); err != nil {
			return nil, fmt.Errorf("issue_credential iteration %d: %w", i, err)
		}
		durs = append(durs, time.Since(start))
	}
	out["issue_credential"] = computeStats(durs)

	// get_material
	durs = durs[:0]
	for i := 0; i < iters; i++ {
		start := time.Now()
		if _, err := e.Registry.GetMaterial(matIDs[i]); err != nil {
			return nil, fmt.Errorf("get_material iteration %d: %w", i, err)
		}
		durs = append(durs, time.Since(start))
	}
	out["get_material"] = computeStats(durs)

	// verify_material
	durs = durs[:0]
	for i := 0; i < iters; i++ {
		start := time.Now()
		if _, err := e.Verifier.VerifyMaterial(matIDs[i]); err != nil {
			return nil, fmt.Errorf("verify_material iteration %d: %w", i, err)
		}
		durs = append(durs, time.Since(start))
	}
	out["verify_material"] = computeStats(durs)

	// get_history_slice
	durs = durs[:0]
	for i := 0; i < iters; i++ {
		start := time.Now()
		if _, err := e.Registry.GetHistorySlice(matIDs[i], 0, 10); err != nil {
			return nil, fmt.Errorf("get_history_slice iteration %d: %w", i, err)
		}
		durs = append(durs, time.Since(start))
	}
	out["get_history_slice"] = computeStats(durs)

	return out, nil
}

// MeasureThroughput runs the mixed 70/30 workload at each concurrency level
// for the given number of operations per worker. All writes funnel through
// the registry's single-writer queue, so identifier counters never collide.
func (e *Env) MeasureThroughput(ctx context.Context, levels []int, opsPerWorker int) ([]ThroughputResult, error) {
	var results []ThroughputResult
	for _, level := range levels {
		// Freeze the read pool before the run.
		pool := e.Registry.MaterialIDs()
		if len(pool) == 0 {
			return nil, fmt.Errorf("read pool is empty; materialize or benchmark first")
		}

		var reads, writes atomic.Int64
		var errMu sync.Mutex
		var runErr error
		setErr := func(err error) {
			errMu.Lock()
			if runErr == nil {
				runErr = err
			}
			errMu.Unlock()
		}
		var wg sync.WaitGroup
		start := time.Now()
		for w := 0; w < level; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				owner := ownerAddress(fmt.Sprintf("Throughput Worker %d", worker))
				for i := 0; i < opsPerWorker; i++ {
					// Deterministic 70/30 mix per worker.
					if i%10 < 7 {
						id := pool[(worker+i)%len(pool)]
						if _, err := e.Registry.GetMaterial(id); err != nil {
							setErr(fmt.Errorf("throughput read: %w", err))
							return
						}
						reads.Add(1)
					} else {
						metadata := common.Hash(canonical.HashBytes([]byte(fmt.Sprintf("tp:%d:%d", worker, i))))
						_, rcpt, err := e.Registry.RegisterMaterial(ctx, owner, registry.MaterialPlasmid, metadata, "Throughput Lab")
						if err := assertFinal(rcpt, err); err != nil {
							setErr(fmt.Errorf("throughput write: %w", err))
							return
						}
						writes.Add(1)
					}
				}
			}(w)
		}
		wg.Wait()
		elapsed := time.Since(start).Seconds()
		if runErr != nil {
			return nil, runErr
		}
		total := int(reads.Load() + writes.Load())
		res := ThroughputResult{
			Concurrency: level,
			Operations:  total,
			Reads:       int(reads.Load()),
			Writes:      int(writes.Load()),
			Seconds:     elapsed,
		}
		if elapsed > 0 {
			res.OpsPerSec = float64(total) / elapsed
		}
		results = append(results, res)
	}
	return results, nil
}

// MeasureScaling registers materials incrementally up to each target
// population (target minus previous, never re-registering) and measures read
// latency at each point.
func (e *Env) MeasureScaling(ctx context.Context, targets []int, probes int) ([]ScalingPoint, error) {
	var points []ScalingPoint
	owner := ownerAddress("Scaling Lab")
	for _, target := range targets {
		current := len(e.Registry.MaterialIDs())
		for i := current; i < target; i++ {
			metadata := common.Hash(canonical.HashBytes([]byte(fmt.Sprintf("scale:%d", i))))
			_, rcpt, err := e.Registry.RegisterMaterial(ctx, owner, registry.MaterialCellLine, metadata, "Scaling Lab")
			if err := assertFinal(rcpt, err); err != nil {
				return nil, fmt.Errorf("scaling registration %d: %w", i, err)
			}
		}
		pool := e.Registry.MaterialIDs()
		getDurs := make([]time.Duration, 0, probes)
		histDurs := make([]time.Duration, 0, probes)
		for i := 0; i < probes; i++ {
			id := pool[i%len(pool)]
			start := time.Now()
			if _, err := e.Registry.GetMaterial(id); err != nil {
				return nil, fmt.Errorf("scaling get_material: %w", err)
			}
			getDurs = append(getDurs, time.Since(start))

			start = time.Now()
			if _, err := e.Registry.GetHistorySlice(id, 0, 10); err != nil {
				return nil, fmt.Errorf("scaling history_slice: %w", err)
			}
			histDurs = append(histDurs, time.Since(start))
		}
		points = append(points, ScalingPoint{
			Materials:    len(pool),
			GetLatency:   computeStats(getDurs),
			HistorySlice: computeStats(histDurs),
		})
	}
	return points, nil
}
