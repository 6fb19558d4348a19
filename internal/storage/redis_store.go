package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type savedDocument struct {
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	SavedAt     time.Time `json:"saved_at"`
}

// RedisStore keeps one JSON value per document.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "padsync:document:",
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Save(ctx context.Context, documentID, content string) error {
	data, err := json.Marshal(savedDocument{
		Content:     content,
		ContentHash: HashContent(content),
		SavedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := s.client.Set(ctx, s.key(documentID), data, 0).Err(); err != nil {
		return fmt.Errorf("save document %s: %w", documentID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, documentID string) (string, error) {
	data, err := s.client.Get(ctx, s.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load document %s: %w", documentID, err)
	}

	var doc savedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("unmarshal document %s: %w", documentID, err)
	}
	return doc.Content, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
