// Package store persists accepted generation results and serves seed
// sample files.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"synthd/pkg/types"
)

// Store is the persistence surface the pipeline and API depend on.
type Store interface {
	// SaveBatch inserts accepted records for a job and returns how many
	// rows were written.
	SaveBatch(ctx context.Context, jobID string, ownerID int64, records []types.Sample, modelName, taskType string) (int, error)
	// CountByJob returns the number of stored records for a job.
	CountByJob(ctx context.Context, jobID string, ownerID int64) (int, error)
	// ReadSamples loads the JSONL seed file and parses it line by line.
	// Unparseable lines are reported in the second return value, they do
	// not fail the read.
	ReadSamples(ctx context.Context, fileID int64, ownerID int64) ([]types.Sample, []string, error)
}

// ParseJSONL decodes one sample per non-empty line. Parse failures are
// collected as diagnostics keyed by 1-based line number.
func ParseJSONL(body []byte) ([]types.Sample, []string) {
	var samples []types.Sample
	var diags []string
	for i, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var s types.Sample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			diags = append(diags, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		samples = append(samples, s)
	}
	return samples, diags
}
