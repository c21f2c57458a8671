package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	ModeInMemory = "inmemory"
	ModeExternal = "external"
)

// Options selects and configures the Redis backend.
type Options struct {
	Mode     string // "inmemory" or "external"
	Addr     string
	Password string
	DB       int
}

// Store owns the Redis connection shared by all queues of a process.
// In inmemory mode it also owns an embedded miniredis server.
type Store struct {
	server *miniredis.Miniredis
	client *redis.Client
	logger *slog.Logger
}

// Open connects to the configured backend and verifies it answers PING.
// In inmemory mode addr is the listen address of the embedded server; empty picks a free port.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	s := &Store{logger: logger}

	switch opts.Mode {
	case ModeInMemory:
		srv := miniredis.NewMiniRedis()
		if opts.Addr != "" {
			if err := srv.StartAddr(opts.Addr); err != nil {
				return nil, fmt.Errorf("failed to start miniredis at %s: %w", opts.Addr, err)
			}
		} else {
			if err := srv.Start(); err != nil {
				return nil, fmt.Errorf("failed to start miniredis: %w", err)
			}
		}
		s.server = srv
		s.client = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		logger.Info("Started embedded Redis", "addr", srv.Addr())
	case ModeExternal:
		s.client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	default:
		return nil, fmt.Errorf("unknown redis mode %q", opts.Mode)
	}

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return s, nil
}

// Client returns the shared Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Addr returns the address the client is connected to.
func (s *Store) Addr() string {
	return s.client.Options().Addr
}

// HealthCheck checks connectivity to Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client and stops the embedded server, if any.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	if s.server != nil {
		s.server.Close()
	}
	return nil
}
