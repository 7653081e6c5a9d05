// Package cache provides a Redis-backed cache-aside layer for File reads,
// consumed by usecase.CachedFileService.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebula-systems/nebula/internal/domain/model"
)

const keyPrefix = "file:"

// FileCache is the cache-aside contract the usecase layer depends on.
type FileCache interface {
	Get(ctx context.Context, id int64) (*model.File, error)
	Set(ctx context.Context, f *model.File, ttl time.Duration) error
	Delete(ctx context.Context, id int64) error
}

// fileJSON is an explicit DTO for serialization, decoupling the cache wire
// format from model.File's own field layout so the two can evolve
// independently.
type fileJSON struct {
	ID                 int64                   `json:"id"`
	Filename           string                  `json:"filename"`
	ObjectKey          string                  `json:"object_key"`
	SizeBytes          int64                   `json:"size_bytes"`
	MimeType           string                  `json:"mime_type"`
	ContentHash        string                  `json:"content_hash,omitempty"`
	Description        string                  `json:"description,omitempty"`
	OwnerID            *int64                  `json:"owner_id,omitempty"`
	VideoMetadata      *model.VideoMetadata    `json:"video_metadata,omitempty"`
	TranscodedVariants map[string]string       `json:"transcoded_variants"`
	UploadDate         time.Time               `json:"upload_date"`
}

// RedisFileCache implements FileCache over go-redis.
type RedisFileCache struct {
	client *redis.Client
}

var _ FileCache = (*RedisFileCache)(nil)

func NewRedisFileCache(client *redis.Client) *RedisFileCache {
	return &RedisFileCache{client: client}
}

func (c *RedisFileCache) Get(ctx context.Context, id int64) (*model.File, error) {
	val, err := c.client.Get(ctx, cacheKey(id)).Result()
	if err == redis.Nil {
		return nil, nil // cache miss, not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached file: %w", err)
	}

	var dto fileJSON
	if err := json.Unmarshal([]byte(val), &dto); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached file: %w", err)
	}
	return dto.toModel(), nil
}

func (c *RedisFileCache) Set(ctx context.Context, f *model.File, ttl time.Duration) error {
	dto := fromModel(f)
	body, err := json.Marshal(dto)
	if err != nil {
		return fmt.Errorf("failed to marshal file for cache: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(f.ID), body, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached file: %w", err)
	}
	return nil
}

func (c *RedisFileCache) Delete(ctx context.Context, id int64) error {
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached file: %w", err)
	}
	return nil
}

func cacheKey(id int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, id)
}

func fromModel(f *model.File) fileJSON {
	variants := make(map[string]string, len(f.TranscodedVariants))
	for q, k := range f.TranscodedVariants {
		variants[q] = string(k)
	}
	return fileJSON{
		ID: f.ID, Filename: f.Filename, ObjectKey: string(f.ObjectKey),
		SizeBytes: f.SizeBytes, MimeType: f.MimeType, ContentHash: f.ContentHash,
		Description: f.Description, OwnerID: f.OwnerID, VideoMetadata: f.VideoMetadata,
		TranscodedVariants: variants, UploadDate: f.UploadDate,
	}
}

func (d fileJSON) toModel() *model.File {
	variants := make(map[string]model.ObjectKey, len(d.TranscodedVariants))
	for q, k := range d.TranscodedVariants {
		variants[q] = model.ObjectKey(k)
	}
	return &model.File{
		ID: d.ID, Filename: d.Filename, ObjectKey: model.ObjectKey(d.ObjectKey),
		SizeBytes: d.SizeBytes, MimeType: d.MimeType, ContentHash: d.ContentHash,
		Description: d.Description, OwnerID: d.OwnerID, VideoMetadata: d.VideoMetadata,
		TranscodedVariants: variants, UploadDate: d.UploadDate,
	}
}
