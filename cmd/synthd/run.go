package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"synthd/internal/admission"
	"synthd/internal/backend"
	"synthd/internal/common/fsutil"
	"synthd/internal/config"
	"synthd/internal/genloop"
	"synthd/internal/pipeline"
	"synthd/internal/progress"
	"synthd/internal/store"
	"synthd/pkg/types"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		jobID      string
		paramsJSON string
		paramsFile string
		input      string
		output     string
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one generation job to completion",
		Long: `Run executes a single generation job in the current process. The
serve command spawns it per job; it also works standalone with --input
and --output for runs against a local JSONL file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg := config.Defaults()
			if *configPath != "" {
				var err error
				if cfg, err = config.Load(*configPath); err != nil {
					return err
				}
			}

			params, err := loadParams(paramsJSON, paramsFile)
			if err != nil {
				return err
			}
			applyParamDefaults(&params, cfg.Generation)
			if len(params.Endpoints) == 0 {
				return fmt.Errorf("no model endpoints configured")
			}
			if params.Model == "" {
				return fmt.Errorf("no model configured")
			}
			if jobID == "" {
				jobID = fmt.Sprintf("task_%d", time.Now().Unix())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var rdb *redis.Client
			if cfg.Redis.Addr != "" {
				rdb = redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer rdb.Close()
			}

			var slots admission.SlotStore
			var prog progress.Store
			if rdb != nil {
				slots = admission.NewRedisStore(rdb)
				prog = progress.NewRedisStore(rdb)
			} else {
				log.Warn().Msg("redis not configured, admission is process-local")
				slots = admission.NewMemStore()
			}
			adm := admission.NewController(slots, log)

			var pg *store.Postgres
			if cfg.Database.URL != "" {
				pg, err = store.Open(ctx, cfg.Database.URL)
				if err != nil {
					return err
				}
				defer pg.Close()
			}

			samples, err := loadSamples(ctx, pg, params, input, log)
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				return fmt.Errorf("seed file contains no usable samples")
			}

			saver, closeSaver, err := buildSaver(pg, output, log)
			if err != nil {
				return err
			}
			defer closeSaver()

			inv := backend.New(log)
			stats := &genloop.Stats{}
			stats.SamplesRead.Store(int64(len(samples)))

			var directions []string
			for _, d := range strings.Split(params.Directions, ",") {
				if d = strings.TrimSpace(d); d != "" {
					directions = append(directions, d)
				}
			}

			loops := make([]*genloop.Loop, len(params.Endpoints))
			for i, endpoint := range params.Endpoints {
				loops[i] = genloop.New(genloop.Config{
					Endpoint:          endpoint,
					APIKey:            params.APIKey,
					Model:             params.Model,
					Kind:              backend.ParseKind(params.Backend),
					TaskType:          params.TaskType,
					SpecialPrompt:     params.SpecialPrompt,
					Directions:        directions,
					VariantsPerSample: params.VariantsPerSample,
					MinScore:          float64(params.MinScore),
					RetryTimes:        params.RetryTimes,
					SampleRetryTimes:  params.SampleRetryTimes,
					TopP:              params.TopP,
					MaxTokens:         params.MaxTokens,
					Timeout:           time.Duration(params.TimeoutSeconds) * time.Second,
					Capacity:          params.MaxConcurrent,
					MaxWait:           cfg.Redis.MaxWait(),
				}, inv, adm, stats, log.With().Str("endpoint", endpoint).Logger())
			}

			pipe := pipeline.New(pipeline.Config{
				JobID:       jobID,
				OwnerID:     params.OwnerID,
				Samples:     samples,
				Endpoints:   params.Endpoints,
				Rounds:      params.DataRounds,
				BatchSize:   params.BatchSize,
				Concurrency: params.MaxConcurrent,
				ModelName:   params.Model,
				TaskType:    params.TaskType,
				Seed:        seed,
			}, loops, saver, prog, log)

			log.Info().Str("job_id", jobID).Str("model", params.Model).
				Int("samples", len(samples)).Int("rounds", params.DataRounds).
				Int("endpoints", len(params.Endpoints)).
				Msg("starting generation job")

			res, runErr := pipe.Run(ctx)

			for k, v := range stats.Snapshot() {
				log.Info().Int64(k, v).Msg("job counter")
			}

			status := "completed"
			if runErr != nil {
				status = "error"
			}
			out := types.RunResult{
				Status:            status,
				JobID:             jobID,
				TotalGenerated:    res.TotalGenerated,
				TotalRounds:       res.Rounds,
				DurationSeconds:   res.Duration.Seconds(),
				CompletionPercent: res.CompletionPercent,
			}
			b, _ := json.Marshal(out)
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return runErr
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job identifier, generated when empty")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "Job parameters as a JSON object")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "Path to a JSON file with job parameters")
	cmd.Flags().StringVar(&input, "input", "", "Local JSONL seed file, bypasses the database file store")
	cmd.Flags().StringVar(&output, "output", "", "Local JSONL output file used when no database is configured")
	cmd.Flags().Int64Var(&seed, "seed", 0, "RNG seed for reproducible runs, 0 means time-based")
	return cmd
}

func loadParams(paramsJSON, paramsFile string) (types.JobParams, error) {
	var params types.JobParams
	raw := []byte(paramsJSON)
	if paramsFile != "" {
		b, err := os.ReadFile(paramsFile)
		if err != nil {
			return params, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return params, fmt.Errorf("either --params or --params-file is required")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("decode job parameters: %w", err)
	}
	return params, nil
}

// applyParamDefaults backfills zero-valued job parameters from the
// configured generation defaults.
func applyParamDefaults(p *types.JobParams, d config.GenerationConfig) {
	if p.BatchSize == 0 {
		p.BatchSize = d.BatchSize
	}
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = d.MaxConcurrent
	}
	if p.MinScore == 0 {
		p.MinScore = d.MinScore
	}
	if p.TaskType == "" {
		p.TaskType = d.TaskType
	}
	if p.VariantsPerSample == 0 {
		p.VariantsPerSample = d.VariantsPerSample
	}
	if p.DataRounds == 0 {
		p.DataRounds = d.DataRounds
	}
	if p.RetryTimes == 0 {
		p.RetryTimes = d.RetryTimes
	}
	if p.SampleRetryTimes == 0 {
		p.SampleRetryTimes = d.SampleRetryTimes
	}
	if p.TopP == 0 {
		p.TopP = d.TopP
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = d.MaxTokens
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = d.TimeoutSeconds
	}
}

// loadSamples reads the seed set from a local file or the database file
// store. Unparseable lines are logged and skipped.
func loadSamples(ctx context.Context, pg *store.Postgres, params types.JobParams, input string, log zerolog.Logger) ([]types.Sample, error) {
	var samples []types.Sample
	var diags []string
	switch {
	case input != "":
		path, err := fsutil.ExpandHome(input)
		if err != nil {
			return nil, err
		}
		if !fsutil.PathExists(path) {
			return nil, fmt.Errorf("seed file %s not found", path)
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		samples, diags = store.ParseJSONL(body)
	case params.FileID > 0:
		if pg == nil {
			return nil, fmt.Errorf("file_id %d given but no database configured", params.FileID)
		}
		var err error
		samples, diags, err = pg.ReadSamples(ctx, params.FileID, params.OwnerID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("no seed data: set file_id or --input")
	}
	for _, d := range diags {
		log.Warn().Str("diag", d).Msg("skipped unparseable seed line")
	}
	return samples, nil
}

// buildSaver picks the persistence target: the database when configured,
// otherwise a local JSONL file.
func buildSaver(pg *store.Postgres, output string, log zerolog.Logger) (pipeline.Saver, func(), error) {
	if pg != nil {
		return pg, func() {}, nil
	}
	if output == "" {
		log.Warn().Msg("no database or --output configured, accepted records are only counted")
		return discardSaver{}, func() {}, nil
	}
	path, err := fsutil.ExpandHome(output)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return &jsonlSaver{f: f}, func() { f.Close() }, nil
}

// jsonlSaver appends accepted records to a local JSONL file.
type jsonlSaver struct {
	mu sync.Mutex
	f  *os.File
}

func (s *jsonlSaver) SaveBatch(_ context.Context, _ string, _ int64, records []types.Sample, _, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := 0
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return saved, err
		}
		if _, err := fmt.Fprintln(s.f, string(b)); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// discardSaver counts accepted records without persisting them.
type discardSaver struct{}

func (discardSaver) SaveBatch(_ context.Context, _ string, _ int64, records []types.Sample, _, _ string) (int, error) {
	return len(records), nil
}
