package dbpool

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var errNoTransactor = errors.New("connection does not support transactions")

// Statement is one query with its arguments, used by Session.Transact.
type Statement struct {
	Query string
	Args  []any
}

type SessionOption func(s *Session)

// WithAutoCommit wraps a WithSession scope in a transaction that commits
// when the scope returns nil and rolls back otherwise.
func WithAutoCommit() SessionOption {
	return func(s *Session) {
		s.autoCommit = true
	}
}

// WithDictRows overrides Config.UseDictRows for one session.
func WithDictRows(dict bool) SessionOption {
	return func(s *Session) {
		s.dict = dict
	}
}

// Session borrows one connection for a sequence of operations. The
// connection is acquired on first use.
//
// A Session obtained from Pool.Session must be closed by the caller. An
// unclosed session keeps its connection in use until the pool is closed.
// Prefer Pool.WithSession, which always releases.
type Session struct {
	pool       *Pool
	h          *Handle
	dict       bool
	autoCommit bool
	closed     bool
}

// Session returns a session in manual mode.
func (p *Pool) Session(opts ...SessionOption) *Session {
	s := &Session{
		pool: p,
		dict: p.cfg.UseDictRows,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithSession runs fn with a session whose connection is released when fn
// returns, fails or panics.
func (p *Pool) WithSession(ctx context.Context, fn func(s *Session) error, opts ...SessionOption) (err error) {
	s := p.Session(opts...)
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if !s.autoCommit {
		return fn(s)
	}

	tx, err := s.transactor(ctx)
	if err != nil {
		return err
	}
	if err := tx.Begin(ctx); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			s.rollback(tx)
			panic(r)
		}
	}()
	if err := fn(s); err != nil {
		s.rollback(tx)
		return err
	}
	if err := tx.Commit(); err != nil {
		s.h.MarkUnusable()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WithConn runs fn with a raw handle that is released afterwards.
func (p *Pool) WithConn(ctx context.Context, fn func(h *Handle) error) (err error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Release(h); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(h)
}

// Handle returns the session's connection, acquiring it if needed.
func (s *Session) Handle(ctx context.Context) (*Handle, error) {
	if s.closed {
		return nil, fmt.Errorf("session: %w", ErrPoolClosed)
	}
	if s.h == nil {
		h, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		s.h = h
	}
	return s.h, nil
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.h == nil {
		return nil
	}
	h := s.h
	s.h = nil
	return s.pool.Release(h)
}

func (s *Session) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	h, err := s.Handle(ctx)
	if err != nil {
		return nil, err
	}
	s.pool.logger.Debug("exec", zap.String("query", query))
	return h.conn.Exec(ctx, query, args...)
}

// ExecMany runs query once per argument set and returns the number of
// affected rows. When the connection supports transactions, the batch is
// atomic.
func (s *Session) ExecMany(ctx context.Context, query string, argSets [][]any) (int64, error) {
	stmts := make([]Statement, len(argSets))
	for i, args := range argSets {
		stmts[i] = Statement{Query: query, Args: args}
	}
	return s.run(ctx, stmts)
}

// Transact runs the statements in one transaction and rolls back on the
// first failure.
func (s *Session) Transact(ctx context.Context, stmts []Statement) error {
	if _, err := s.transactor(ctx); err != nil {
		return err
	}
	_, err := s.run(ctx, stmts)
	return err
}

func (s *Session) run(ctx context.Context, stmts []Statement) (int64, error) {
	h, err := s.Handle(ctx)
	if err != nil {
		return 0, err
	}
	tx, _ := h.conn.(Transactor)
	if tx != nil && !s.autoCommit {
		if err := tx.Begin(ctx); err != nil {
			return 0, fmt.Errorf("begin: %w", err)
		}
	}

	var affected int64
	for i, st := range stmts {
		s.pool.logger.Debug("exec", zap.Int("statement", i), zap.String("query", st.Query))
		res, err := h.conn.Exec(ctx, st.Query, st.Args...)
		if err != nil {
			if tx != nil && !s.autoCommit {
				s.rollback(tx)
			}
			return affected, fmt.Errorf("statement %d: %w", i, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}
	if tx != nil && !s.autoCommit {
		if err := tx.Commit(); err != nil {
			h.MarkUnusable()
			return affected, fmt.Errorf("commit: %w", err)
		}
	}
	return affected, nil
}

// Query passes the query through to the connection. The caller closes the rows.
func (s *Session) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	h, err := s.Handle(ctx)
	if err != nil {
		return nil, err
	}
	s.pool.logger.Debug("query", zap.String("query", query))
	return h.conn.Query(ctx, query, args...)
}

// QueryAll runs the query and reads every row.
func (s *Session) QueryAll(ctx context.Context, query string, args ...any) (*Rowset, error) {
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return ScanRowset(rows, s.dict)
}

func (s *Session) transactor(ctx context.Context) (Transactor, error) {
	h, err := s.Handle(ctx)
	if err != nil {
		return nil, err
	}
	tx, ok := h.conn.(Transactor)
	if !ok {
		return nil, errNoTransactor
	}
	return tx, nil
}

func (s *Session) rollback(tx Transactor) {
	if err := tx.Rollback(); err != nil {
		s.pool.logger.Warn("rollback failed", zap.Error(err))
		// the connection may still hold an open transaction
		if s.h != nil {
			s.h.MarkUnusable()
		}
	}
}
