// Package progress persists per-job round progress snapshots so the API
// can serve them independently of the generating process.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"synthd/pkg/types"
)

const (
	keyPrefix = "task_progress:"
	// snapshotTTL keeps finished-job progress readable for a day.
	snapshotTTL = 24 * time.Hour
)

// ErrNotFound means no snapshot exists for the job.
var ErrNotFound = errors.New("progress: not found")

// Store reads and writes job progress snapshots. Writes overwrite; the
// single orchestrator of a job is the only writer, so last-writer-wins
// is sufficient.
type Store interface {
	Put(ctx context.Context, snap types.ProgressSnapshot) error
	Get(ctx context.Context, jobID string) (types.ProgressSnapshot, error)
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore builds a Store over Redis.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Put(ctx context.Context, snap types.ProgressSnapshot) error {
	return s.client.Set(ctx, keyPrefix+snap.JobID, snap, snapshotTTL).Err()
}

func (s *redisStore) Get(ctx context.Context, jobID string) (types.ProgressSnapshot, error) {
	raw, err := s.client.Get(ctx, keyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return types.ProgressSnapshot{}, ErrNotFound
	}
	if err != nil {
		return types.ProgressSnapshot{}, err
	}
	var snap types.ProgressSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.ProgressSnapshot{}, err
	}
	return snap, nil
}

// MemStore is an in-memory Store for tests and single-node runs.
type MemStore struct {
	mu    sync.RWMutex
	snaps map[string]types.ProgressSnapshot
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{snaps: map[string]types.ProgressSnapshot{}}
}

func (s *MemStore) Put(_ context.Context, snap types.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.JobID] = snap
	return nil
}

func (s *MemStore) Get(_ context.Context, jobID string) (types.ProgressSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[jobID]
	if !ok {
		return types.ProgressSnapshot{}, ErrNotFound
	}
	return snap, nil
}
