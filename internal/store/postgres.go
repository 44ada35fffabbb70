package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"synthd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS data_files (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	filename TEXT NOT NULL,
	file_content BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS generated_data (
	id BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL,
	user_id BIGINT NOT NULL,
	data_content TEXT NOT NULL,
	model_score DOUBLE PRECISION,
	rule_score INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	generation_model TEXT,
	task_type TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_generated_data_task ON generated_data (task_id, user_id);
`

// Postgres implements Store over database/sql with the pq driver.
type Postgres struct {
	db *sql.DB
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) SaveBatch(ctx context.Context, jobID string, ownerID int64, records []types.Sample, modelName, taskType string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO generated_data (
			task_id, user_id, data_content, model_score, rule_score,
			retry_count, generation_model, task_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	saved := 0
	for _, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			return saved, fmt.Errorf("marshal record: %w", err)
		}
		model := metaString(rec.Meta, "generation_model")
		if model == "" {
			model = modelName
		}
		_, err = tx.ExecContext(ctx, insert,
			jobID,
			ownerID,
			string(body),
			metaFloat(rec.Meta, "model_score"),
			int(metaFloat(rec.Meta, "rule_score")),
			int(metaFloat(rec.Meta, "retry_count")),
			model,
			taskType,
		)
		if err != nil {
			return saved, err
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return saved, nil
}

func (p *Postgres) CountByJob(ctx context.Context, jobID string, ownerID int64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM generated_data WHERE task_id = $1 AND user_id = $2`,
		jobID, ownerID).Scan(&n)
	return n, err
}

func (p *Postgres) ReadSamples(ctx context.Context, fileID int64, ownerID int64) ([]types.Sample, []string, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT file_content FROM data_files WHERE id = $1 AND user_id = $2`,
		fileID, ownerID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("data file %d not found", fileID)
	}
	if err != nil {
		return nil, nil, err
	}
	samples, diags := ParseJSONL(body)
	return samples, diags, nil
}

// metaString reads a string meta field, "" when absent or mistyped.
func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

// metaFloat reads a numeric meta field, tolerating the int/float64 split
// that json decoding and in-process enrichment produce.
func metaFloat(meta map[string]any, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
