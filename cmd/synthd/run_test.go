package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"synthd/internal/config"
	"synthd/pkg/types"
)

func TestLoadParams(t *testing.T) {
	p, err := loadParams(`{"services": ["http://a"], "model": "m", "min_score": 9}`, "")
	if err != nil {
		t.Fatalf("loadParams: %v", err)
	}
	if len(p.Endpoints) != 1 || p.Model != "m" || p.MinScore != 9 {
		t.Fatalf("params %+v", p)
	}
}

func TestLoadParamsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(path, []byte(`{"model": "m2"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := loadParams("", path)
	if err != nil {
		t.Fatalf("loadParams: %v", err)
	}
	if p.Model != "m2" {
		t.Fatalf("model %q", p.Model)
	}
}

func TestLoadParamsMissing(t *testing.T) {
	if _, err := loadParams("", ""); err == nil {
		t.Fatal("expected error for empty params")
	}
	if _, err := loadParams("not json", ""); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestApplyParamDefaults(t *testing.T) {
	d := config.Defaults().Generation
	p := types.JobParams{MinScore: 8, TaskType: "entity_extraction"}
	applyParamDefaults(&p, d)

	if p.MinScore != 8 || p.TaskType != "entity_extraction" {
		t.Fatalf("explicit values overwritten: %+v", p)
	}
	if p.BatchSize != d.BatchSize || p.DataRounds != d.DataRounds || p.TopP != d.TopP {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestLoadSamplesFromInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.jsonl")
	body := strings.Join([]string{
		`{"meta": {}, "turns": [{"role": "Human", "text": "q"}]}`,
		`broken`,
		`{"meta": {}, "turns": []}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	samples, err := loadSamples(context.Background(), nil, types.JobParams{}, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("loadSamples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples %d, want 2", len(samples))
	}
}

func TestLoadSamplesMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.jsonl")
	_, err := loadSamples(context.Background(), nil, types.JobParams{}, missing, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestLoadSamplesNoSource(t *testing.T) {
	if _, err := loadSamples(context.Background(), nil, types.JobParams{}, "", zerolog.Nop()); err == nil {
		t.Fatal("expected error without seed source")
	}
	if _, err := loadSamples(context.Background(), nil, types.JobParams{FileID: 3}, "", zerolog.Nop()); err == nil {
		t.Fatal("expected error for file_id without database")
	}
}

func TestJSONLSaver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	s := &jsonlSaver{f: f}

	records := []types.Sample{
		{Meta: map[string]any{"rule_score": 10}, Turns: []types.Turn{{Role: "Human", Text: "q"}}},
		{Meta: map[string]any{}, Turns: nil},
	}
	n, err := s.SaveBatch(context.Background(), "j", 1, records, "m", "general")
	if err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("saved %d, want 2", n)
	}
	f.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines %d: %q", len(lines), string(b))
	}
}

func TestRunCommandArgs(t *testing.T) {
	cmd := runCommand("/etc/synthd.yaml")("job1", types.JobParams{Model: "m"})
	joined := strings.Join(cmd.Args, " ")
	if !strings.Contains(joined, "run --job-id job1 --params ") {
		t.Fatalf("args %v", cmd.Args)
	}
	if !strings.Contains(joined, "--config /etc/synthd.yaml") {
		t.Fatalf("config flag missing: %v", cmd.Args)
	}

	cmd = runCommand("")("job2", types.JobParams{})
	if strings.Contains(strings.Join(cmd.Args, " "), "--config") {
		t.Fatalf("unexpected config flag: %v", cmd.Args)
	}
}
