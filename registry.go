package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Registry shares one Pool per config identity. Create one per process (or
// per test) and pass it to whoever needs pools.
type Registry struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	group  singleflight.Group
	base   *zap.Logger
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pools:  make(map[string]*Pool),
		base:   logger,
		logger: logger.With(zap.String("component", "dbpool_registry")),
	}
}

// GetOrCreate returns the pool registered for cfg.Identity(), creating and
// connecting it first if there is none. Options only apply on creation.
// Concurrent calls for the same identity share one creation; the pool is
// registered once it is connected.
func (r *Registry) GetOrCreate(ctx context.Context, cfg Config, factory Factory, opts ...Option) (*Pool, error) {
	id := cfg.Identity()
	if p, ok := r.Lookup(id); ok {
		return p, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if p, ok := r.Lookup(id); ok {
			return p, nil
		}
		p, err := r.create(ctx, cfg, factory, opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.pools[id] = p
		r.mu.Unlock()
		r.logger.Debug("pool registered", zap.String("identity", id))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

func (r *Registry) create(ctx context.Context, cfg Config, factory Factory, opts []Option) (*Pool, error) {
	deferred := cfg.DeferConnect
	cfg.DeferConnect = true
	opts = append([]Option{WithLogger(r.base)}, opts...)
	p, err := New(cfg, factory, opts...)
	if err != nil {
		return nil, err
	}
	p.cfg.DeferConnect = deferred
	if !deferred {
		if err := p.Connect(ctx); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

// Lookup returns the pool registered under identity. A pool closed
// directly rather than through Remove is dropped here.
func (r *Registry) Lookup(identity string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[identity]
	if ok && p.isClosed() {
		delete(r.pools, identity)
		return nil, false
	}
	return p, ok
}

// Remove unregisters and closes the pool registered under identity.
func (r *Registry) Remove(identity string) error {
	r.mu.Lock()
	p, ok := r.pools[identity]
	delete(r.pools, identity)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pool registered as %q", identity)
	}
	return p.Close()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close closes every registered pool and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var errs []error
	for id, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
