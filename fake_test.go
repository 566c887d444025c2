package dbpool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var (
	errDead    = errors.New("connection is dead")
	errRefused = errors.New("connection refused")
)

type fakeResult struct {
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRows struct {
	cols   []string
	data   [][]any
	i      int
	closed bool
}

func (r *fakeRows) Columns() ([]string, error) { return r.cols, nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.i == 0 || r.i > len(r.data) {
		return io.EOF
	}
	for i, d := range dest {
		*(d.(*any)) = r.data[r.i-1][i]
	}
	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { r.closed = true; return nil }

type fakeConn struct {
	id int64

	// owner is set while a caller holds the connection, used to detect sharing.
	owner atomic.Int32

	mu         sync.Mutex
	dead       bool
	closed     bool
	inTx       bool
	commits    int
	rollbacks  int
	execs      []string
	failOnExec string
	rows       *fakeRows
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || c.closed {
		return errDead
	}
	return nil
}

func (c *fakeConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOnExec != "" && query == c.failOnExec {
		return nil, errors.New("exec failed")
	}
	c.execs = append(c.execs, query)
	return fakeResult{affected: 1}, nil
}

func (c *fakeConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows != nil {
		return c.rows, nil
	}
	return &fakeRows{
		cols: []string{"id", "name"},
		data: [][]any{{int64(1), []byte("alice")}, {int64(2), []byte("bob")}},
	}, nil
}

func (c *fakeConn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return errors.New("transaction already open")
	}
	c.inTx = true
	return nil
}

func (c *fakeConn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.commits++
	return nil
}

func (c *fakeConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.rollbacks++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) snapshot() (commits, rollbacks int, execs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits, c.rollbacks, append([]string(nil), c.execs...)
}

// plainConn hides the Transactor methods of fakeConn.
type plainConn struct {
	Conn
}

type fakeFactory struct {
	mu    sync.Mutex
	seq   int64
	conns []*fakeConn
	// failAt makes the n-th Connect call (1-based) fail; 0 disables it.
	failAt int64
	err    error
	plain  bool
}

func (f *fakeFactory) Connect(ctx context.Context, params ConnParams) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if f.err != nil || (f.failAt > 0 && f.seq == f.failAt) {
		return nil, errRefused
	}
	c := &fakeConn{id: f.seq}
	f.conns = append(f.conns, c)
	if f.plain {
		return plainConn{c}, nil
	}
	return c, nil
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFactory) created() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func fake(h *Handle) *fakeConn {
	switch c := h.Conn().(type) {
	case *fakeConn:
		return c
	case plainConn:
		return c.Conn.(*fakeConn)
	}
	return nil
}
