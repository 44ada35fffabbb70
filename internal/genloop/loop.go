// Package genloop runs the generate-parse-evaluate cycle for a single
// seed sample: propose candidate conversations, gate them on structure
// and rule score, then let the judge model decide acceptance.
package genloop

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"synthd/internal/backend"
	"synthd/internal/prompt"
	"synthd/internal/scoring"
	"synthd/pkg/types"
)

const (
	generationTemperature = 0.3
	judgeTemperature      = 0.2
)

// ErrBusy means admission capacity could not be obtained within maxWait.
var ErrBusy = errors.New("model at capacity")

var (
	candidatesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synthd", Subsystem: "genloop",
		Name: "candidates_accepted_total", Help: "Candidates that passed both scoring stages",
	})
	candidatesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synthd", Subsystem: "genloop",
		Name: "candidates_rejected_total", Help: "Rejected candidates by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(candidatesAccepted, candidatesRejected)
}

// Stats counts pipeline events across all workers of a job.
type Stats struct {
	SamplesRead   atomic.Int64
	Generated     atomic.Int64
	Evaluated     atomic.Int64
	Passed        atomic.Int64
	Failed        atomic.Int64
	SampleRetries atomic.Int64
	APIErrors     atomic.Int64
}

// Snapshot returns the counters as a plain map for logging and reports.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"samples_read":   s.SamplesRead.Load(),
		"data_generated": s.Generated.Load(),
		"data_evaluated": s.Evaluated.Load(),
		"data_passed":    s.Passed.Load(),
		"data_failed":    s.Failed.Load(),
		"sample_retries": s.SampleRetries.Load(),
		"api_errors":     s.APIErrors.Load(),
	}
}

// Invoker is the backend call surface the loop depends on.
type Invoker interface {
	Invoke(ctx context.Context, req backend.Request) (string, error)
}

// Admitter hands out model-concurrency slots.
type Admitter interface {
	Acquire(ctx context.Context, model string, capacity int, maxWait time.Duration) (func(), bool)
}

// Config carries the per-job generation parameters for one endpoint.
type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Kind              backend.Kind
	TaskType          string
	SpecialPrompt     string
	Directions        []string
	VariantsPerSample int
	MinScore          float64
	RetryTimes        int
	SampleRetryTimes  int
	TopP              float64
	MaxTokens         int
	Timeout           time.Duration
	Capacity          int
	MaxWait           time.Duration
}

// Loop evaluates seed samples against one endpoint.
type Loop struct {
	cfg    Config
	inv    Invoker
	adm    Admitter
	scorer scoring.Func
	stats  *Stats
	log    zerolog.Logger

	// now is swapped in tests to pin generation_time.
	now func() time.Time
}

// New builds a Loop. stats is shared across the loops of one job.
func New(cfg Config, inv Invoker, adm Admitter, stats *Stats, log zerolog.Logger) *Loop {
	return &Loop{
		cfg:    cfg,
		inv:    inv,
		adm:    adm,
		scorer: scoring.ForTask(cfg.TaskType),
		stats:  stats,
		log:    log,
		now:    time.Now,
	}
}

// ProcessSample generates and evaluates candidates for one seed sample,
// retrying the whole cycle up to SampleRetryTimes until at least one
// candidate qualifies. rng is owned by the calling worker.
func (l *Loop) ProcessSample(ctx context.Context, rng *rand.Rand, sample types.Sample) []types.Sample {
	retries := l.cfg.SampleRetryTimes
	if retries < 1 {
		retries = 1
	}
	for retry := 0; retry < retries; retry++ {
		if ctx.Err() != nil {
			return nil
		}
		candidates, err := l.generate(ctx, rng, sample)
		if err != nil {
			l.stats.APIErrors.Add(1)
			l.log.Error().Err(err).Msg("candidate generation failed")
		}
		if len(candidates) == 0 {
			if retry < retries-1 {
				l.stats.SampleRetries.Add(1)
				l.log.Warn().Int("retry", retry+1).Int("of", retries).
					Msg("no candidates parsed, retrying sample")
				continue
			}
			l.log.Warn().Int("retries", retries).Msg("sample produced no candidates")
			return nil
		}
		l.stats.Generated.Add(int64(len(candidates)))

		var qualified []types.Sample
		for _, cand := range candidates {
			outcome := l.evaluate(ctx, sample, cand)
			l.stats.Evaluated.Add(1)
			if outcome.Accepted {
				l.stats.Passed.Add(1)
				candidatesAccepted.Inc()
				qualified = append(qualified, l.enrich(sample, cand, outcome, retry))
				continue
			}
			l.stats.Failed.Add(1)
			if outcome.RuleScore != 10 {
				candidatesRejected.WithLabelValues("rule").Inc()
				l.log.Info().Int("rule_score", outcome.RuleScore).
					Msg("candidate rejected by rule score")
			} else {
				candidatesRejected.WithLabelValues("judge").Inc()
				l.log.Info().Float64("model_score", outcome.ModelScore).
					Float64("min_score", l.cfg.MinScore).
					Msg("candidate rejected by judge score")
			}
		}
		if len(qualified) > 0 {
			return qualified
		}
		if retry < retries-1 {
			l.stats.SampleRetries.Add(1)
			l.log.Warn().Int("retry", retry+1).Int("of", retries).
				Msg("no candidate qualified, retrying sample")
		}
	}
	return nil
}

// generate builds the generation prompt and parses the model response.
func (l *Loop) generate(ctx context.Context, rng *rand.Rand, sample types.Sample) ([]types.Candidate, error) {
	directions := prompt.Directions(rng, l.cfg.TaskType, l.cfg.Directions, l.cfg.VariantsPerSample)
	p, err := prompt.Generation(sample, l.cfg.VariantsPerSample, l.cfg.SpecialPrompt, directions)
	if err != nil {
		return nil, err
	}
	resp, err := l.call(ctx, p, generationTemperature)
	if err != nil {
		return nil, err
	}
	return ParseCandidates(resp), nil
}

// evaluate applies the two-stage gate: structural check and rule score
// first, judge model only when the rule score is already perfect.
func (l *Loop) evaluate(ctx context.Context, sample types.Sample, cand types.Candidate) types.EvaluationOutcome {
	human, assistant := cand.CountRoles()
	if human != 1 || assistant != 1 {
		l.log.Warn().Int("human", human).Int("assistant", assistant).
			Msg("candidate has wrong turn structure")
		return types.EvaluationOutcome{}
	}

	out := types.EvaluationOutcome{RuleScore: l.scorer(cand.AssistantText())}
	if out.RuleScore != 10 {
		return out
	}

	resp, err := l.call(ctx, prompt.Judge(sample, cand, l.cfg.SpecialPrompt), judgeTemperature)
	if err != nil {
		l.stats.APIErrors.Add(1)
		l.log.Error().Err(err).Msg("judge call failed, scoring zero")
		return out
	}
	score, ok := ParseScore(resp)
	if !ok {
		l.log.Warn().Msg("judge response carried no parseable score")
		return out
	}
	out.ModelScore = float64(score)
	out.HasModelScore = true
	out.Accepted = out.ModelScore >= l.cfg.MinScore
	return out
}

// call runs one admission-gated model invocation.
func (l *Loop) call(ctx context.Context, p string, temperature float64) (string, error) {
	release, ok := l.adm.Acquire(ctx, l.cfg.Model, l.cfg.Capacity, l.cfg.MaxWait)
	if !ok {
		return "", ErrBusy
	}
	defer release()

	return l.inv.Invoke(ctx, backend.Request{
		Endpoint:    l.cfg.Endpoint,
		APIKey:      l.cfg.APIKey,
		Model:       l.cfg.Model,
		Messages:    []types.Message{{Role: "user", Content: p}},
		Temperature: temperature,
		TopP:        l.cfg.TopP,
		MaxTokens:   l.cfg.MaxTokens,
		Timeout:     l.cfg.Timeout,
		Kind:        l.cfg.Kind,
		RetryTimes:  l.cfg.RetryTimes,
	})
}

// enrich copies the seed meta onto an accepted candidate and stamps the
// generation provenance fields.
func (l *Loop) enrich(sample types.Sample, cand types.Candidate, out types.EvaluationOutcome, retry int) types.Sample {
	meta := make(map[string]any, len(sample.Meta)+7)
	for k, v := range sample.Meta {
		meta[k] = v
	}
	model := l.cfg.Model
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	meta["generated"] = true
	meta["generation_model"] = model
	meta["generation_time"] = l.now().Format(time.RFC3339)
	meta["model_score"] = out.ModelScore
	meta["rule_score"] = out.RuleScore
	meta["source_task"] = l.cfg.TaskType
	meta["retry_count"] = retry
	return types.Sample{Meta: meta, Turns: cand.Turns}
}
