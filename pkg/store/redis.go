// Package store persists task records and download results in Redis.
//
// Layout:
//   - {prefix}task:{id}: JSON task record, expiring after RecordTTL
//   - {prefix}result:{id}: JSON result of a completed download, expiring after ResultTTL
//   - {prefix}completed: list of the most recent completed records (HistorySize)
//   - {prefix}dead_letter: list of failed records for inspection or manual replay
//
// The Store type is the main entry point.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// ErrNoResult is returned by GetResult when no result is stored for a task.
var ErrNoResult = errors.New("no result stored")

// Config configures the Redis connection and retention.
type Config struct {
	Addr        string        `mapstructure:"addr" validate:"required,hostname_port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix   string        `mapstructure:"keyPrefix"`
	RecordTTL   time.Duration `mapstructure:"recordTtl" validate:"gt=0"`
	ResultTTL   time.Duration `mapstructure:"resultTtl" validate:"gt=0"`
	HistorySize int64         `mapstructure:"historySize" validate:"gt=0"`
}

// DefaultConfig returns a Config for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		KeyPrefix:   "mediaq:",
		RecordTTL:   7 * 24 * time.Hour,
		ResultTTL:   24 * time.Hour,
		HistorySize: 100,
	}
}

// Store manages task records in Redis. All operations are context-aware.
type Store struct {
	rdb redis.UniversalClient
	cfg Config
}

// NewClient returns a Redis client for cfg.
//
// Example:
//
//	rdb := store.NewClient(store.DefaultConfig())
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New returns a Store using rdb. Zero retention settings take their defaults.
func New(rdb redis.UniversalClient, cfg Config) *Store {
	d := DefaultConfig()
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = d.RecordTTL
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = d.ResultTTL
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = d.HistorySize
	}
	return &Store{rdb: rdb, cfg: cfg}
}

func (s *Store) key(parts ...string) string {
	k := s.cfg.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.rdb.Ping(ctx).Err(), "pinging redis")
}

// SaveTask writes rec. Completed records are also appended to the history list, which
// keeps the last HistorySize entries; failed records go to the dead letter list.
func (s *Store) SaveTask(ctx context.Context, rec tasks.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding task record")
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("task", rec.ID), data, s.cfg.RecordTTL)
	switch rec.Status {
	case tasks.StatusCompleted:
		pipe.RPush(ctx, s.key("completed"), data)
		pipe.LTrim(ctx, s.key("completed"), -s.cfg.HistorySize, -1)
	case tasks.StatusFailed:
		pipe.RPush(ctx, s.key("dead_letter"), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "saving task %s", rec.ID)
	}
	return nil
}

// LoadTask returns the stored record for id, or nil if there is none.
func (s *Store) LoadTask(ctx context.Context, id string) (*tasks.Record, error) {
	data, err := s.rdb.Get(ctx, s.key("task", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading task %s", id)
	}
	var rec tasks.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding task %s", id)
	}
	return &rec, nil
}

// SetResult stores the result of a task as JSON with a ResultTTL expiry.
func (s *Store) SetResult(ctx context.Context, taskID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encoding result")
	}
	return errors.Wrapf(s.rdb.Set(ctx, s.key("result", taskID), data, s.cfg.ResultTTL).Err(), "saving result of %s", taskID)
}

// GetResult returns the raw JSON result of a task.
func (s *Store) GetResult(ctx context.Context, taskID string) (json.RawMessage, error) {
	data, err := s.rdb.Get(ctx, s.key("result", taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading result of %s", taskID)
	}
	return data, nil
}

// History returns up to limit of the most recently completed records, oldest first.
func (s *Store) History(ctx context.Context, limit int64) ([]tasks.Record, error) {
	return s.inspect(ctx, s.key("completed"), -limit, -1)
}

// DeadLetters returns up to limit failed records, oldest first.
func (s *Store) DeadLetters(ctx context.Context, limit int64) ([]tasks.Record, error) {
	return s.inspect(ctx, s.key("dead_letter"), 0, limit-1)
}

func (s *Store) inspect(ctx context.Context, key string, start, stop int64) ([]tasks.Record, error) {
	raw, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	out := make([]tasks.Record, 0, len(raw))
	for _, r := range raw {
		var rec tasks.Record
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			// Skip malformed entries; inspection is best effort.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Depths returns the length of the history and dead letter lists.
func (s *Store) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, name := range []string{"completed", "dead_letter"} {
		if n, err := s.rdb.LLen(ctx, s.key(name)).Result(); err == nil {
			depths[name] = n
		}
	}
	return depths
}
