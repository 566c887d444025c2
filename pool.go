package dbpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultNamePrefix = "db-pool"
)

var (
	poolCounter = newCounter()
)

type Option func(p *Pool) error

// WithName is an option and used for naming the pool.
// It takes precedence over Config.Name.
func WithName(name string) Option {
	return func(p *Pool) error {
		p.name = name
		return nil
	}
}

// WithLogger sets the logger. The pool logs nothing by default.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) error {
		if logger == nil {
			return fmt.Errorf("nil logger")
		}
		p.logger = logger
		return nil
	}
}

// WithResizePolicy replaces the policy derived from the config.
func WithResizePolicy(rp ResizePolicy) Option {
	return func(p *Pool) error {
		if rp.Scale < 1 || rp.Boundary < p.capacity {
			return fmt.Errorf("invalid resize policy, scale %v boundary %d", rp.Scale, rp.Boundary)
		}
		p.policy = rp
		return nil
	}
}

// grant is what a waiter is woken with: a handle, a slot reserved for it, or
// neither when the pool closed. Both handles and slots count as pending
// until the waiter takes them.
type grant struct {
	h    *Handle
	slot bool
}

// Pool is a bounded set of reusable connections. It is safe for concurrent use.
type Pool struct {
	name    string
	cfg     Config
	factory Factory
	policy  ResizePolicy
	logger  *zap.Logger
	stats   *stats

	connectMu sync.Mutex
	connected atomic.Bool

	mu        sync.Mutex
	capacity  int
	idle      []*Handle
	inUse     map[*Handle]struct{}
	pending   int
	waiters   []chan grant
	penalties counter
	closed    bool
}

// New returns a connection pool. Unless cfg.DeferConnect is set, the initial
// batch of connections is created before New returns.
func New(cfg Config, factory Factory, options ...Option) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("no connection factory provided")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		name:      cfg.Name,
		cfg:       cfg,
		factory:   factory,
		policy:    newResizePolicy(cfg),
		logger:    zap.NewNop(),
		stats:     newStats(),
		capacity:  cfg.initialCapacity(),
		inUse:     make(map[*Handle]struct{}),
		penalties: newCounter(),
	}
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.name == "" {
		p.name = fmt.Sprintf("%s-%d", defaultNamePrefix, poolCounter.inc())
	}
	p.logger = p.logger.With(zap.String("component", "dbpool"), zap.String("pool", p.name))

	if !cfg.DeferConnect {
		if err := p.Connect(context.Background()); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Connect creates the initial batch of StepSize connections. Either all of
// them are created or none are kept. Calling Connect on a connected pool is a no-op.
func (p *Pool) Connect(ctx context.Context) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	if p.connected.Load() {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	n := min(p.cfg.StepSize, p.capacity)
	p.pending += n
	p.mu.Unlock()

	handles, err := p.createAll(ctx, n)

	p.mu.Lock()
	p.pending -= n
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("open connection pool failed", zap.Error(err))
		return err
	}
	if p.closed {
		p.mu.Unlock()
		p.closeAll(handles)
		return ErrPoolClosed
	}
	for _, h := range handles {
		p.putLocked(h)
	}
	p.mu.Unlock()

	p.connected.Store(true)
	p.logger.Info("connection pool opened",
		zap.Int("connections", n),
		zap.Int("capacity", p.Capacity()),
		zap.Int("boundary", p.policy.Boundary),
	)
	return nil
}

// Acquire returns a connection handle, waiting at most the configured
// wait timeout when the pool is at capacity.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	return p.AcquireTimeout(ctx, p.cfg.WaitTimeout)
}

// Borrow is Acquire for callers managing the lifetime themselves.
// Every Borrow must be paired with Return.
func (p *Pool) Borrow(ctx context.Context) (*Handle, error) {
	return p.Acquire(ctx)
}

// Return is Release.
func (p *Pool) Return(h *Handle) error {
	return p.Release(h)
}

// AcquireTimeout is Acquire with an explicit wait timeout. The timeout bounds
// the total time spent waiting, however often the caller is woken.
func (p *Pool) AcquireTimeout(ctx context.Context, timeout time.Duration) (h *Handle, err error) {
	defer p.updateStat(&err)
	deadline := time.Now().Add(timeout)

	if !p.connected.Load() {
		if err := p.Connect(ctx); err != nil {
			return nil, err
		}
	}

	resized := false
	for {
		h, w, err := p.tryAcquire(ctx)
		if err != nil || h != nil {
			return h, err
		}

		g, delivered, err := p.wait(ctx, w, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if delivered {
			switch {
			case g.h != nil:
				return p.validate(ctx, g.h)
			case g.slot:
				return p.grow(ctx, 1)
			}
			// closed, tryAcquire reports it
			continue
		}

		p.stats.timeout.inc()
		h, grown, err := p.penalize(ctx, resized)
		if err != nil || h != nil {
			return h, err
		}
		if !grown {
			return nil, fmt.Errorf("%w: pool %s at capacity %d after %v", ErrPoolExhausted, p.name, p.Capacity(), timeout)
		}
		resized = true
	}
}

// tryAcquire serves the caller without blocking when it can. Otherwise it
// registers and returns a waiter channel.
func (p *Pool) tryAcquire(ctx context.Context) (*Handle, chan grant, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}

	if len(p.idle) > 0 {
		h := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.pending++
		p.mu.Unlock()
		h, err := p.validate(ctx, h)
		return h, nil, err
	}

	if free := p.capacity - p.totalLocked(); free > 0 {
		n := min(p.cfg.StepSize, free)
		p.pending += n
		p.mu.Unlock()
		p.logger.Debug("expand connection pool", zap.Int("connections", n))
		h, err := p.grow(ctx, n)
		return h, nil, err
	}

	w := make(chan grant, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	return nil, w, nil
}

// wait blocks until w is served, the timeout expires or ctx is done.
// delivered reports whether w was served.
func (p *Pool) wait(ctx context.Context, w chan grant, timeout time.Duration) (grant, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w:
		return g, true, nil
	case <-timer.C:
		g, delivered := p.abandon(w)
		return g, delivered, nil
	case <-ctx.Done():
		if g, delivered := p.abandon(w); delivered {
			p.pass(g)
		}
		return grant{}, false, ctx.Err()
	}
}

// abandon removes w from the waiter queue. If w was served in the meantime,
// the delivered grant is returned instead.
func (p *Pool) abandon(w chan grant) (grant, bool) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return grant{}, false
		}
	}
	p.mu.Unlock()
	// served under the lock, so the value is already buffered
	return <-w, true
}

// pass hands a grant the caller will not use to the next waiter.
func (p *Pool) pass(g grant) {
	p.mu.Lock()
	switch {
	case g.h != nil:
		p.pending--
		if p.closed {
			p.mu.Unlock()
			p.closeHandle(g.h)
			return
		}
		p.putLocked(g.h)
	case g.slot:
		p.pending--
		p.wakeLocked(1)
	}
	p.mu.Unlock()
}

// penalize records one acquire timeout and grows the pool when the policy
// allows it. At most one resize is applied per acquire call.
func (p *Pool) penalize(ctx context.Context, alreadyResized bool) (*Handle, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrPoolClosed
	}
	penalties := p.penalties.inc()
	if !p.cfg.EnableAutoResize || alreadyResized {
		p.mu.Unlock()
		p.logger.Warn("acquire timed out", zap.Int("penalties", penalties))
		return nil, false, nil
	}
	old := p.capacity
	next, ok := p.policy.Next(old, penalties)
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("acquire timed out, pool not resized",
			zap.Int("penalties", penalties),
			zap.Int("capacity", old),
			zap.Int("boundary", p.policy.Boundary),
		)
		return nil, false, nil
	}
	p.capacity = next
	p.penalties.reset()
	p.stats.resize.inc()
	n := p.capacity - p.totalLocked()
	if n > 0 {
		p.pending += n
	}
	p.mu.Unlock()

	p.logger.Info("connection pool resized",
		zap.Int("old_capacity", old),
		zap.Int("new_capacity", next),
		zap.Int("boundary", p.policy.Boundary),
	)
	if n <= 0 {
		return nil, true, nil
	}
	h, err := p.grow(ctx, n)
	return h, true, err
}

// validate pings a handle taken out of the idle queue or handed to a waiter.
// Its slot is counted as pending. A dead handle is closed and replaced.
func (p *Pool) validate(ctx context.Context, h *Handle) (*Handle, error) {
	if err := p.ping(ctx, h); err != nil {
		p.logger.Debug("discard dead connection", zap.String("handle", h.id), zap.Error(err))
		p.closeHandle(h)
		p.stats.replaced.inc()

		var cerr error
		h, cerr = p.create(ctx)
		if cerr != nil {
			p.mu.Lock()
			p.pending--
			p.wakeLocked(1)
			p.mu.Unlock()
			return nil, cerr
		}
	}

	p.mu.Lock()
	p.pending--
	if p.closed {
		p.mu.Unlock()
		p.closeHandle(h)
		return nil, ErrPoolClosed
	}
	p.inUse[h] = struct{}{}
	p.mu.Unlock()
	return h, nil
}

func (p *Pool) ping(ctx context.Context, h *Handle) error {
	if p.cfg.PingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PingTimeout)
		defer cancel()
	}
	return h.conn.Ping(ctx)
}

// grow fills n slots already reserved as pending. The first new handle is
// returned to the caller in use, the rest become idle.
func (p *Pool) grow(ctx context.Context, n int) (*Handle, error) {
	created, err := p.createSome(ctx, n)

	p.mu.Lock()
	p.pending -= n
	p.wakeLocked(n - len(created))
	if p.closed {
		p.mu.Unlock()
		p.closeAll(created)
		return nil, ErrPoolClosed
	}
	if len(created) == 0 {
		p.mu.Unlock()
		p.logger.Warn("expand connection pool failed", zap.Int("connections", n), zap.Error(err))
		return nil, err
	}
	h := created[0]
	p.inUse[h] = struct{}{}
	for _, extra := range created[1:] {
		p.putLocked(extra)
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("expand connection pool partially failed",
			zap.Int("requested", n),
			zap.Int("created", len(created)),
			zap.Error(err),
		)
	}
	return h, nil
}

// createAll creates n connections concurrently and keeps none unless all succeed.
func (p *Pool) createAll(ctx context.Context, n int) ([]*Handle, error) {
	handles := make([]*Handle, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c, err := p.factory.Connect(gctx, p.cfg.Conn)
			if err != nil {
				return err
			}
			handles[i] = newHandle(c, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				p.closeHandle(h)
			}
		}
		return nil, &ConnectError{Err: err}
	}
	p.stats.created.add(n)
	return handles, nil
}

// createSome creates up to n connections concurrently and keeps whatever
// succeeded. A failed slot does not cancel the others; err joins the
// failures of every slot that could not be filled.
func (p *Pool) createSome(ctx context.Context, n int) ([]*Handle, error) {
	handles := make([]*Handle, n)
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			handles[i], errs[i] = p.create(ctx)
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return handles, nil
	}
	created := slices.DeleteFunc(handles, func(h *Handle) bool { return h == nil })
	return created, errors.Join(errs...)
}

// create opens one connection, retrying with exponential backoff.
func (p *Pool) create(ctx context.Context) (*Handle, error) {
	backoff := p.cfg.ConnectBackoff
	var err error
	for attempt := 0; ; attempt++ {
		var c Conn
		c, err = p.factory.Connect(ctx, p.cfg.Conn)
		if err == nil {
			p.stats.created.inc()
			return newHandle(c, p), nil
		}
		if attempt >= p.cfg.ConnectRetries {
			break
		}
		p.logger.Warn("create connection failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.cfg.ConnectRetries),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, &ConnectError{Err: errors.Join(err, ctx.Err())}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, &ConnectError{Err: err}
}

// Release gives a handle back to the pool. Releasing a handle that is not
// in use by this pool returns ErrInvalidHandle and changes nothing.
func (p *Pool) Release(h *Handle) error {
	if h == nil || h.pool != p {
		return ErrInvalidHandle
	}

	p.mu.Lock()
	if _, ok := p.inUse[h]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidHandle, h.id)
	}
	delete(p.inUse, h)

	if p.closed {
		p.mu.Unlock()
		return h.conn.Close()
	}
	if h.isUnusable() {
		p.wakeLocked(1)
		p.mu.Unlock()
		p.stats.discarded.inc()
		p.logger.Debug("discard unusable connection", zap.String("handle", h.id))
		return h.conn.Close()
	}
	h.touch()
	p.putLocked(h)
	p.mu.Unlock()
	return nil
}

// Close closes idle connections and fails every waiting and future acquire
// with ErrPoolClosed. Connections still in use are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	inUse := len(p.inUse)
	p.mu.Unlock()

	for _, w := range waiters {
		w <- grant{}
	}

	var errs []error
	for _, h := range idle {
		if err := h.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.id, err))
		}
	}
	p.logger.Info("connection pool closed", zap.Int("closed", len(idle)), zap.Int("in_use", inUse))
	return errors.Join(errs...)
}

// Name returns the pool name.
// If neither Config.Name nor WithName is given, a name starting with "db-pool" is assigned.
func (p *Pool) Name() string {
	return p.name
}

// Config returns the config the pool was built with.
func (p *Pool) Config() Config {
	return p.cfg
}

// Capacity returns the current soft limit on total connections.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Stats returns a consistent snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Name:      p.name,
		Capacity:  p.capacity,
		Boundary:  p.policy.Boundary,
		Idle:      len(p.idle),
		InUse:     len(p.inUse),
		Pending:   p.pending,
		Waiters:   len(p.waiters),
		Penalties: p.penalties.val(),
	}
	p.mu.Unlock()

	s.Requests = p.stats.request.val()
	s.Successes = p.stats.success.val()
	s.Timeouts = p.stats.timeout.val()
	s.Resizes = p.stats.resize.val()
	s.Created = p.stats.created.val()
	s.Replaced = p.stats.replaced.val()
	s.Discarded = p.stats.discarded.val()
	return s
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.inUse) + p.pending
}

// putLocked hands h to the oldest waiter, or queues it as idle. A handed
// off handle stays pending until the waiter has validated it.
func (p *Pool) putLocked(h *Handle) {
	if len(p.waiters) > 0 {
		p.pending++
		p.popWaiterLocked() <- grant{h: h}
		return
	}
	p.idle = append(p.idle, h)
}

// wakeLocked reserves up to n freed slots for the oldest waiters.
func (p *Pool) wakeLocked(n int) {
	for ; n > 0 && len(p.waiters) > 0; n-- {
		p.pending++
		p.popWaiterLocked() <- grant{slot: true}
	}
}

func (p *Pool) popWaiterLocked() chan grant {
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) closeHandle(h *Handle) {
	if err := h.conn.Close(); err != nil {
		p.logger.Debug("close connection failed", zap.String("handle", h.id), zap.Error(err))
	}
}

func (p *Pool) closeAll(handles []*Handle) {
	for _, h := range handles {
		p.closeHandle(h)
	}
}

func (p *Pool) updateStat(err *error) {
	p.stats.request.inc()
	if *err == nil {
		p.stats.success.inc()
	}
}
