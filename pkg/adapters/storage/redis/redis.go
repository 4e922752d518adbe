package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const runKeyPrefix = "dagci:run:"

// RunStore implements ports.RunStore using Redis
type RunStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRunStore creates a new Redis run store
func NewRunStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RunStore {
	return &RunStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveRun saves a run snapshot to Redis
func (s *RunStore) SaveRun(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	if err := s.client.Set(ctx, getRunKey(run.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	s.logger.Debug("run saved",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)))

	return nil
}

// GetRun retrieves a run from Redis
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	data, err := s.client.Get(ctx, getRunKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &run, nil
}

// ListRuns scans all stored runs and returns the matching ones, newest first
func (s *RunStore) ListRuns(ctx context.Context, filter ports.RunFilter) ([]*domain.Run, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, runKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	runs := make([]*domain.Run, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// expired between SCAN and GET
			continue
		}

		var run domain.Run
		if err := json.Unmarshal(data, &run); err != nil {
			s.logger.Warn("skipping unreadable run", zap.String("key", key), zap.Error(err))
			continue
		}

		if filter.Matches(&run) {
			runs = append(runs, &run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

// DeleteRun deletes a run from Redis
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, getRunKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	s.logger.Debug("run deleted", zap.String("run_id", runID))
	return nil
}

// Close is a no-op; the Redis client is owned by the caller
func (s *RunStore) Close() error {
	return nil
}

// getRunKey returns the Redis key for a run
func getRunKey(runID string) string {
	return runKeyPrefix + runID
}
