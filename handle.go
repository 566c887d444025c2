package dbpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is one pooled connection plus its bookkeeping. While a caller holds
// a Handle nobody else can obtain it; give it back with Release.
type Handle struct {
	id        string
	pool      *Pool
	conn      Conn
	createdAt time.Time

	mu sync.RWMutex
	// unix epoch nanoseconds
	lastUsed int64
	unusable bool
}

func newHandle(c Conn, p *Pool) *Handle {
	now := time.Now()
	return &Handle{
		id:        uuid.NewString(),
		pool:      p,
		conn:      c,
		createdAt: now,
		lastUsed:  now.UnixNano(),
	}
}

// ID identifies the handle in logs.
func (h *Handle) ID() string {
	return h.id
}

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn {
	return h.conn
}

func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// LastUsed is the time the handle was last created or released.
func (h *Handle) LastUsed() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return time.Unix(0, h.lastUsed)
}

// MarkUnusable tells the pool to close the connection on release instead of
// reusing it. Call it when a network error left the connection in doubt.
func (h *Handle) MarkUnusable() {
	h.mu.Lock()
	h.unusable = true
	h.mu.Unlock()
}

func (h *Handle) isUnusable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.unusable
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsed = time.Now().UnixNano()
	h.mu.Unlock()
}

// Release returns the handle to its pool.
func (h *Handle) Release() error {
	return h.pool.Release(h)
}

func (h *Handle) Ping(ctx context.Context) error {
	return h.conn.Ping(ctx)
}

func (h *Handle) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return h.conn.Exec(ctx, query, args...)
}

func (h *Handle) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return h.conn.Query(ctx, query, args...)
}
