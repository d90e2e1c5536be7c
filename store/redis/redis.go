// Package redis backs the document store with a Redis keyspace. Documents
// are plain string values keyed by their path, so they stay inspectable with
// redis-cli during an event.
package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	st "github.com/unkn0wn-root/stagecache/store"
)

var ErrNilClient = errors.New("redis store: nil client")

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
	scanCount   int64
}

var _ st.DocumentStore = (*Store)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client
	// ScanCount sizes SCAN batches for List; 0 => 256.
	ScanCount int64
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 256
	}
	return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient, scanCount: cfg.ScanCount}, nil
}

func (s *Store) Read(ctx context.Context, path string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, path).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (s *Store) Write(ctx context.Context, path string, doc []byte) error {
	// Durable records carry no TTL; expiry is a cache-side concern.
	return s.rdb.Set(ctx, path, doc, 0).Err()
}

func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", s.scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			b, err := s.rdb.Get(ctx, k).Bytes()
			if err == goredis.Nil {
				continue // raced with a delete
			}
			if err != nil {
				return nil, err
			}
			out[k] = b
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
