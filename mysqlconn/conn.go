package mysqlconn

import (
	"context"
	"database/sql"
	"errors"

	"github.com/soyvural/dbpool"
)

var errTxOpen = errors.New("transaction already open")

// Conn is a dbpool.Conn and dbpool.Transactor over one *sql.Conn. While a
// transaction is open, Exec and Query run inside it.
type Conn struct {
	conn *sql.Conn
	tx   *sql.Tx
}

var (
	_ dbpool.Conn       = (*Conn)(nil)
	_ dbpool.Transactor = (*Conn)(nil)
)

// NewConn wraps an already established connection.
func NewConn(c *sql.Conn) *Conn {
	return &Conn{conn: c}
}

// Raw returns the wrapped *sql.Conn.
func (c *Conn) Raw() *sql.Conn {
	return c.conn
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (dbpool.Result, error) {
	var (
		res sql.Result
		err error
	)
	if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, query, args...)
	} else {
		res, err = c.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (dbpool.Rows, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if c.tx != nil {
		rows, err = c.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = c.conn.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return errTxOpen
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *Conn) Commit() error {
	if c.tx == nil {
		return sql.ErrTxDone
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

func (c *Conn) Rollback() error {
	if c.tx == nil {
		return sql.ErrTxDone
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

// Close rolls back an open transaction and closes the connection.
func (c *Conn) Close() error {
	if c.tx != nil {
		_ = c.Rollback()
	}
	return c.conn.Close()
}
