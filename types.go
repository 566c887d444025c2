package dbpool

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPoolClosed    = errors.New("pool is closed")
	ErrPoolExhausted = errors.New("no free connection within wait timeout")
	ErrInvalidHandle = errors.New("handle does not belong to this pool or is not in use")
	ErrConnect       = errors.New("could not create connection")
)

// ConnectError is returned when the factory fails to create a connection,
// either during the initial fill or while the pool grows.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%v: %v", ErrConnect, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

// Result is the outcome of a statement that does not return rows.
// sql.Result satisfies it.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Rows is a forward-only result cursor. *sql.Rows satisfies it.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Conn is one live connection to the database. The pool only talks to a
// connection through this interface; driver specifics live in adapters.
type Conn interface {
	// Ping returns a non-nil error when the connection is no longer usable.
	Ping(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...any) (Result, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Close() error
}

// Transactor is implemented by connections that can run explicit transactions.
type Transactor interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
}

// Factory creates new connections. It must not retry on its own.
type Factory interface {
	Connect(ctx context.Context, params ConnParams) (Conn, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, params ConnParams) (Conn, error)

func (f FactoryFunc) Connect(ctx context.Context, params ConnParams) (Conn, error) {
	return f(ctx, params)
}
