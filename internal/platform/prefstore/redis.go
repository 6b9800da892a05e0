package prefstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/rolecontext/internal/domain/assignment"
)

const DefaultKeyPrefix = "rolecontext:pref:"

// Redis stores selections as JSON strings under prefix+identity, with no TTL.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) key(identity string) string {
	return r.prefix + identity
}

func (r *Redis) Get(ctx context.Context, identity string) (assignment.Key, bool, error) {
	raw, err := r.client.Get(ctx, r.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return assignment.Key{}, false, nil
	}
	if err != nil {
		return assignment.Key{}, false, fmt.Errorf("get preference: %w", err)
	}
	k, err := decodeKey(raw)
	if err != nil {
		// An unreadable entry is treated as absent; restoration re-prompts.
		return assignment.Key{}, false, nil
	}
	return k, true, nil
}

func (r *Redis) Set(ctx context.Context, identity string, key assignment.Key) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(identity), raw, 0).Err(); err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context, identity string) error {
	if err := r.client.Del(ctx, r.key(identity)).Err(); err != nil {
		return fmt.Errorf("clear preference: %w", err)
	}
	return nil
}

func decodeKey(raw []byte) (assignment.Key, error) {
	var k assignment.Key
	if err := json.Unmarshal(raw, &k); err != nil {
		return assignment.Key{}, err
	}
	if k.IsZero() {
		return assignment.Key{}, errors.New("empty preference")
	}
	return k, nil
}
