// poolctl opens a MySQL connection pool from a YAML file and drives a
// concurrent query load through it.
//
// Usage:
//
//	poolctl -config pool.yaml -workers 32 -requests 100 -query "SELECT 1"
//	poolctl -config pool.yaml -metrics :9100 -hold 1m
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/soyvural/dbpool"
	"github.com/soyvural/dbpool/mysqlconn"
)

func main() {
	var (
		configPath  = flag.String("config", "pool.yaml", "pool config file")
		workers     = flag.Int("workers", 8, "concurrent workers")
		requests    = flag.Int("requests", 10, "queries per worker")
		query       = flag.String("query", "SELECT 1", "query to run")
		metricsAddr = flag.String("metrics", "", "serve prometheus metrics on this address")
		hold        = flag.Duration("hold", 0, "keep running after the load to serve metrics")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logger := newLogger(*debug)
	defer func() { _ = logger.Sync() }()

	if err := run(logger, *configPath, *workers, *requests, *query, *metricsAddr, *hold); err != nil {
		logger.Error("poolctl failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func run(logger *zap.Logger, configPath string, workers, requests int, query, metricsAddr string, hold time.Duration) error {
	cfg, err := dbpool.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := mysqlconn.NewFactory(mysqlconn.WithLogger(logger))
	defer func() { _ = factory.Close() }()

	registry := dbpool.NewRegistry(logger)
	defer func() { _ = registry.Close() }()

	pool, err := registry.GetOrCreate(ctx, cfg, factory)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(dbpool.NewCollector(pool))
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
		logger.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	start := time.Now()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requests && ctx.Err() == nil; j++ {
				err := pool.WithSession(ctx, func(s *dbpool.Session) error {
					_, err := s.QueryAll(ctx, query)
					return err
				})
				if err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					logger.Warn("query failed", zap.Int("worker", i), zap.Error(err))
				}
			}
		}()
	}
	wg.Wait()

	logger.Info("load finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("queries", workers*requests),
		zap.Int("failed", failed),
	)

	out, err := json.MarshalIndent(pool.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
	}
	return nil
}
