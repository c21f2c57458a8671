package server

import (
	"errors"
	"strings"

	"github.com/dovewarden/retryq/internal/queue"
	"github.com/redis/go-redis/v9"
)

var errBadName = errors.New("queue name must be non-empty and must not contain ':' or '/'")

// Registry resolves queue names to queues stored under "<namespace>:<name>".
// Every queue shares the client and options, and records its dead letters
// next to its own keys in addition to opts.DeadLetters. Queues keep all state
// in Redis, so nothing is cached per name.
type Registry struct {
	client    redis.UniversalClient
	namespace string
	opts      queue.Options
}

// NewRegistry creates a registry.
func NewRegistry(client redis.UniversalClient, namespace string, opts queue.Options) *Registry {
	return &Registry{
		client:    client,
		namespace: namespace,
		opts:      opts,
	}
}

// Key returns the Redis key of the named queue.
func (r *Registry) Key(name string) string {
	return r.namespace + ":" + name
}

// Queue returns a handle on the named queue.
func (r *Registry) Queue(name string) (*queue.Queue, error) {
	dead, err := r.DeadLetters(name)
	if err != nil {
		return nil, err
	}

	opts := r.opts
	if opts.DeadLetters != nil {
		opts.DeadLetters = queue.Sinks{dead, opts.DeadLetters}
	} else {
		opts.DeadLetters = dead
	}
	return queue.New(r.client, r.Key(name), opts)
}

// DeadLetters returns the dead letter store of the named queue.
func (r *Registry) DeadLetters(name string) (*queue.RedisDeadLetters, error) {
	if name == "" || strings.ContainsAny(name, ":/") {
		return nil, errBadName
	}
	return queue.NewRedisDeadLetters(r.client, r.Key(name)), nil
}
