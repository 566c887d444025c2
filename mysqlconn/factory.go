// Package mysqlconn connects dbpool to MySQL through go-sql-driver/mysql.
//
// Every pooled connection is a dedicated *sql.Conn. The *sql.DB behind it
// keeps no idle connections of its own, so closing a pooled connection
// closes the network connection.
package mysqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/soyvural/dbpool"
)

type Option func(f *Factory)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithOpener replaces the function that turns a DSN into a *sql.DB.
func WithOpener(open func(dsn string) (*sql.DB, error)) Option {
	return func(f *Factory) {
		f.open = open
	}
}

// Factory implements dbpool.Factory for MySQL.
type Factory struct {
	mu     sync.Mutex
	dbs    map[string]*sql.DB
	open   func(dsn string) (*sql.DB, error)
	logger *zap.Logger
}

var _ dbpool.Factory = (*Factory)(nil)

func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		dbs:    make(map[string]*sql.DB),
		open:   openDB,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("component", "mysqlconn"))
	return f
}

// Connect opens one new MySQL connection.
func (f *Factory) Connect(ctx context.Context, params dbpool.ConnParams) (dbpool.Conn, error) {
	db, err := f.db(DSN(params))
	if err != nil {
		return nil, err
	}
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("mysql connect %s: %w", addr(params), err)
	}
	f.logger.Debug("mysql connection opened", zap.String("addr", addr(params)), zap.String("database", params.Database))
	return &Conn{conn: c}, nil
}

// Close closes the underlying *sql.DB objects. Call it after every pool
// using this factory is closed.
func (f *Factory) Close() error {
	f.mu.Lock()
	dbs := f.dbs
	f.dbs = make(map[string]*sql.DB)
	f.mu.Unlock()

	var errs []error
	for _, db := range dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) db(dsn string) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if db, ok := f.dbs[dsn]; ok {
		return db, nil
	}
	db, err := f.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql open: %w", err)
	}
	f.dbs[dsn] = db
	return db, nil
}

func openDB(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(0)
	return db, nil
}

// DSN builds a go-sql-driver DSN. Extra parameters are passed through as
// DSN parameters.
func DSN(params dbpool.ConnParams) string {
	cfg := mysql.NewConfig()
	cfg.User = params.User
	cfg.Passwd = params.Password
	cfg.Net = "tcp"
	cfg.Addr = addr(params)
	cfg.DBName = params.Database

	p := make(map[string]string, len(params.Extra)+1)
	if params.Charset != "" {
		p["charset"] = params.Charset
	}
	for k, v := range params.Extra {
		p[k] = v
	}
	if len(p) > 0 {
		cfg.Params = p
	}
	return cfg.FormatDSN()
}

func addr(params dbpool.ConnParams) string {
	port := params.Port
	if port == 0 {
		port = 3306
	}
	return net.JoinHostPort(params.Host, strconv.Itoa(port))
}
