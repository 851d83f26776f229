package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/dbadvisor/config"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisWindow mirrors the feedback window into a capped Redis list so a
// restarted process can resume it.
type RedisWindow struct {
	client *redis.Client
	key    string
	size   int
	logger *log.Logger
}

func NewRedisWindow(client *redis.Client, key string, size int, logger *log.Logger) *RedisWindow {
	if size <= 0 {
		size = 3
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &RedisWindow{client: client, key: key, size: size, logger: logger}
}

// Push appends e and trims the list to the newest entries.
func (w *RedisWindow) Push(ctx context.Context, e plan.HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := w.client.TxPipeline()
	pipe.RPush(ctx, w.key, data)
	pipe.LTrim(ctx, w.key, int64(-w.size), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror history: %w", err)
	}
	return nil
}

// Load returns the mirrored entries oldest first. Undecodable entries are
// skipped.
func (w *RedisWindow) Load(ctx context.Context) ([]plan.HistoryEntry, error) {
	raw, err := w.client.LRange(ctx, w.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]plan.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e plan.HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			w.logger.Printf("skipping undecodable history entry: %v", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Clear drops the mirrored window.
func (w *RedisWindow) Clear(ctx context.Context) error {
	return w.client.Del(ctx, w.key).Err()
}
