// Package cache mirrors workflow progress into Redis for cheap polling and
// holds the per-key rate limit counters.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kiranshivaraju/gwasflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the subset of Redis the server relies on. The store stays the
// source of truth; a miss or error here is never fatal to a workflow.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetWorkflowStatus(ctx context.Context, snap WorkflowSnapshot, ttl time.Duration) error
	GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowSnapshot, bool, error)
	SetJobStatus(ctx context.Context, workflowID, jobID string, status models.JobStatus, ttl time.Duration) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// WorkflowSnapshot is the polled view of a workflow kept in the cache.
type WorkflowSnapshot struct {
	WorkflowID string                `json:"workflow_id"`
	Status     models.WorkflowStatus `json:"status"`
	JobCount   int                   `json:"job_count"`
	JobStats   models.JobStats       `json:"job_stats"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// SnapshotOf builds the cached view of wf.
func SnapshotOf(wf *models.WorkflowRun) WorkflowSnapshot {
	return WorkflowSnapshot{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		JobCount:   wf.JobCount,
		JobStats:   wf.JobStats,
		UpdatedAt:  wf.UpdatedAt,
	}
}

// RedisCache implements Cache using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a RedisCache from a redis:// URL. No connection is
// made until first use.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetWorkflowStatus(ctx context.Context, snap WorkflowSnapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, WorkflowStatusKey(snap.WorkflowID), b, ttl).Err()
}

func (c *RedisCache) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowSnapshot, bool, error) {
	b, err := c.client.Get(ctx, WorkflowStatusKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap WorkflowSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

// SetJobStatus records status under the workflow's job hash and refreshes
// the hash's TTL.
func (c *RedisCache) SetJobStatus(ctx context.Context, workflowID, jobID string, status models.JobStatus, ttl time.Duration) error {
	key := JobStatusKey(workflowID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, jobID, string(status))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// JobStatuses returns the mirrored status of every job of a workflow.
func (c *RedisCache) JobStatuses(ctx context.Context, workflowID string) (map[string]models.JobStatus, error) {
	raw, err := c.client.HGetAll(ctx, JobStatusKey(workflowID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.JobStatus, len(raw))
	for id, s := range raw {
		out[id] = models.JobStatus(s)
	}
	return out, nil
}

// IncrWithExpiry increments key. The expiry is set only when the key is
// created, so the window is fixed from the first increment.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
