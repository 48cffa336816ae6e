package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/melodia-app/schedule-api/internal/models"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
)

const (
	previewKeyPrefix = "import:preview:"
	resultKeyPrefix  = "import:result:"
)

// PreviewRepository stores import previews and their commit results in
// Redis, keyed by the opaque previewId with a server-side TTL. Previews are
// immutable snapshots; the cached result makes Confirm idempotent.
type PreviewRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewPreviewRepository constructs a preview repository.
func NewPreviewRepository(client *redis.Client, logger *zap.Logger) *PreviewRepository {
	return &PreviewRepository{client: client, logger: logger}
}

// SavePreview stores the snapshot under its previewId for ttl.
func (r *PreviewRepository) SavePreview(ctx context.Context, preview models.ImportPreview, ttl time.Duration) error {
	return r.set(ctx, previewKeyPrefix+preview.PreviewID, preview, ttl)
}

// GetPreview loads a snapshot; ErrCacheMiss when unknown or expired.
func (r *PreviewRepository) GetPreview(ctx context.Context, previewID string) (*models.ImportPreview, error) {
	var preview models.ImportPreview
	if err := r.get(ctx, previewKeyPrefix+previewID, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

// DeletePreview invalidates the snapshot after a commit.
func (r *PreviewRepository) DeletePreview(ctx context.Context, previewID string) error {
	if err := r.client.Del(ctx, previewKeyPrefix+previewID).Err(); err != nil {
		return fmt.Errorf("redis delete preview %s: %w", previewID, err)
	}
	return nil
}

// SaveResult caches the commit outcome so a retried Confirm replays it.
func (r *PreviewRepository) SaveResult(ctx context.Context, previewID string, result models.ImportResult, ttl time.Duration) error {
	return r.set(ctx, resultKeyPrefix+previewID, result, ttl)
}

// GetResult returns the cached commit outcome; ErrCacheMiss when absent.
func (r *PreviewRepository) GetResult(ctx context.Context, previewID string) (*models.ImportResult, error) {
	var result models.ImportResult
	if err := r.get(ctx, resultKeyPrefix+previewID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *PreviewRepository) set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *PreviewRepository) get(ctx context.Context, key string, dest interface{}) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return appErrors.ErrCacheMiss
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}
