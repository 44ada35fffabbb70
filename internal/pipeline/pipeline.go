// Package pipeline orchestrates multi-round generation across a set of
// model endpoints: shard the seed samples per endpoint, run bounded
// workers, persist accepted batches incrementally, publish round progress.
package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"synthd/internal/genloop"
	"synthd/internal/progress"
	"synthd/pkg/types"
)

var roundsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "synthd", Subsystem: "pipeline",
	Name: "rounds_completed_total", Help: "Generation rounds finished across all jobs",
})

func init() {
	prometheus.MustRegister(roundsCompleted)
}

// Saver persists accepted records. Implemented by the Postgres store.
type Saver interface {
	SaveBatch(ctx context.Context, jobID string, ownerID int64, records []types.Sample, modelName, taskType string) (int, error)
}

// Config drives one pipeline run.
type Config struct {
	JobID   string
	OwnerID int64
	Samples []types.Sample
	// Endpoints in positional correspondence with Loops.
	Endpoints []string
	Rounds    int
	BatchSize int
	// Concurrency bounds in-flight samples per endpoint worker.
	Concurrency int
	ModelName   string
	TaskType    string
	// Seed feeds the per-worker RNGs; 0 means time-based.
	Seed int64
}

// Result summarizes a finished run.
type Result struct {
	TotalGenerated    int
	Rounds            int
	Duration          time.Duration
	CompletionPercent float64
}

// Pipeline runs the rounds. One genloop.Loop per endpoint.
type Pipeline struct {
	cfg   Config
	loops []*genloop.Loop
	saver Saver
	prog  progress.Store
	log   zerolog.Logger
}

// New builds a Pipeline. loops must match cfg.Endpoints element-wise.
func New(cfg Config, loops []*genloop.Loop, saver Saver, prog progress.Store, log zerolog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, loops: loops, saver: saver, prog: prog, log: log}
}

// Run executes every round to completion. A round is a strict barrier:
// all endpoint workers finish before the next round starts. Persistence
// and progress failures are logged, they never abort the run; ctx
// cancellation does.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	total := 0

	seed := p.cfg.Seed
	if seed == 0 {
		seed = start.UnixNano()
	}

	p.publish(ctx, types.ProgressSnapshot{
		JobID:        p.cfg.JobID,
		Status:       "running",
		CurrentRound: 0,
		TotalRounds:  p.cfg.Rounds,
		TotalSamples: len(p.cfg.Samples),
		Endpoints:    len(p.cfg.Endpoints),
		StartedUnix:  start.Unix(),
	})

	for round := 0; round < p.cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		p.log.Info().Int("round", round+1).Int("of", p.cfg.Rounds).
			Msg("starting generation round")
		p.publish(ctx, types.ProgressSnapshot{
			JobID:          p.cfg.JobID,
			Status:         "running",
			CurrentRound:   round + 1,
			TotalRounds:    p.cfg.Rounds,
			TotalSamples:   len(p.cfg.Samples),
			GeneratedCount: total,
			Endpoints:      len(p.cfg.Endpoints),
			RoundStatus:    "processing",
			StartedUnix:    start.Unix(),
		})

		shards := shardSamples(p.cfg.Samples, len(p.cfg.Endpoints))

		var wg sync.WaitGroup
		results := make([]roundResult, len(shards))
		for i, shard := range shards {
			wg.Add(1)
			rng := rand.New(rand.NewSource(seed + int64(round)*1000 + int64(i)))
			go func(i int, shard []types.Sample, rng *rand.Rand) {
				defer wg.Done()
				results[i] = p.runShard(ctx, p.loops[i], rng, shard)
			}(i, shard, rng)
		}
		wg.Wait()

		roundOutput, roundErrors := 0, 0
		for _, r := range results {
			roundOutput += r.saved
			roundErrors += r.errors
		}
		total += roundOutput
		roundsCompleted.Inc()

		pct := float64(round+1) / float64(p.cfg.Rounds) * 100
		p.publish(ctx, types.ProgressSnapshot{
			JobID:             p.cfg.JobID,
			Status:            "running",
			CurrentRound:      round + 1,
			TotalRounds:       p.cfg.Rounds,
			TotalSamples:      len(p.cfg.Samples),
			GeneratedCount:    total,
			Endpoints:         len(p.cfg.Endpoints),
			RoundStatus:       "completed",
			RoundOutput:       roundOutput,
			RoundErrors:       roundErrors,
			CompletionPercent: pct,
			StartedUnix:       start.Unix(),
		})
		p.log.Info().Int("round", round+1).Int("output", roundOutput).
			Int("errors", roundErrors).Int("total", total).
			Msg("round completed")
	}

	dur := time.Since(start)
	p.publish(ctx, types.ProgressSnapshot{
		JobID:             p.cfg.JobID,
		Status:            "finished",
		CurrentRound:      p.cfg.Rounds,
		TotalRounds:       p.cfg.Rounds,
		TotalSamples:      len(p.cfg.Samples),
		GeneratedCount:    total,
		Endpoints:         len(p.cfg.Endpoints),
		CompletionPercent: 100,
		StartedUnix:       start.Unix(),
		DurationSeconds:   dur.Seconds(),
	})
	return Result{
		TotalGenerated:    total,
		Rounds:            p.cfg.Rounds,
		Duration:          dur,
		CompletionPercent: 100,
	}, nil
}

type roundResult struct {
	saved  int
	errors int
}

// runShard processes one endpoint's shard with a counting semaphore and
// persists accepted records in batches as they accumulate.
func (p *Pipeline) runShard(ctx context.Context, loop *genloop.Loop, rng *rand.Rand, shard []types.Sample) roundResult {
	conc := p.cfg.Concurrency
	if conc < 1 {
		conc = 1
	}
	sem := make(chan struct{}, conc)

	var mu sync.Mutex // guards pending and res
	var pending []types.Sample
	var res roundResult

	var wg sync.WaitGroup
submit:
	for _, sample := range shard {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break submit
		}
		// rng is only touched here, on the submitting goroutine; each
		// in-flight sample gets a derived generator of its own.
		sampleRng := rand.New(rand.NewSource(rng.Int63()))
		wg.Add(1)
		go func(sample types.Sample, rng *rand.Rand) {
			defer wg.Done()
			defer func() { <-sem }()

			accepted := loop.ProcessSample(ctx, rng, sample)

			mu.Lock()
			if len(accepted) == 0 {
				res.errors++
				mu.Unlock()
				return
			}
			pending = append(pending, accepted...)
			var flush []types.Sample
			if len(pending) >= p.cfg.BatchSize {
				flush = pending
				pending = nil
			}
			mu.Unlock()

			if flush != nil {
				p.persist(ctx, flush, &mu, &res)
			}
		}(sample, sampleRng)
	}
	wg.Wait()

	mu.Lock()
	flush := pending
	pending = nil
	mu.Unlock()
	if len(flush) > 0 {
		// The remainder is written even when the run is being canceled;
		// candidates already accepted are not dropped on a graceful stop.
		p.persist(context.WithoutCancel(ctx), flush, &mu, &res)
	}
	return res
}

func (p *Pipeline) persist(ctx context.Context, batch []types.Sample, mu *sync.Mutex, res *roundResult) {
	n, err := p.saver.SaveBatch(ctx, p.cfg.JobID, p.cfg.OwnerID, batch, p.cfg.ModelName, p.cfg.TaskType)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		p.log.Error().Err(err).Int("batch", len(batch)).Msg("batch persist failed")
		res.errors++
		return
	}
	res.saved += n
}

// publish writes a progress snapshot; failures are non-fatal.
func (p *Pipeline) publish(ctx context.Context, snap types.ProgressSnapshot) {
	if p.prog == nil {
		return
	}
	if err := p.prog.Put(ctx, snap); err != nil {
		p.log.Warn().Err(err).Str("job_id", snap.JobID).Msg("progress update failed")
	}
}

// shardSamples splits samples into n contiguous parts of ceil(len/n),
// one per endpoint. Trailing shards may be empty.
func shardSamples(samples []types.Sample, n int) [][]types.Sample {
	if n < 1 {
		n = 1
	}
	size := (len(samples) + n - 1) / n
	shards := make([][]types.Sample, n)
	for i := 0; i < n; i++ {
		lo := i * size
		hi := lo + size
		if lo > len(samples) {
			lo = len(samples)
		}
		if hi > len(samples) {
			hi = len(samples)
		}
		shards[i] = samples[lo:hi]
	}
	return shards
}
