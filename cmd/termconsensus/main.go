// cmd/termconsensus/main.go
//
// termconsensus runs one validator of the evaluation network: it admits
// agent submissions, coordinates reviewers, scores execution results and
// finalizes a weight vector every epoch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/config"
	"github.com/ssd-technologies/termconsensus/internal/engine"
	"github.com/ssd-technologies/termconsensus/internal/identity"
	"github.com/ssd-technologies/termconsensus/internal/mesh"
	"github.com/ssd-technologies/termconsensus/internal/metrics"
	"github.com/ssd-technologies/termconsensus/internal/server"
	"github.com/ssd-technologies/termconsensus/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("TERMCONSENSUS_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if cfg.Server.AdminSecret == "" {
		logger.Warn("TERMCONSENSUS_SECRET is not set; admin routes are disabled")
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	keyPath := cfg.Server.KeyPath
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(cfg.Server.DataDir, keyPath)
	}
	pub, priv, err := identity.LoadOrGenerateKeypair(keyPath)
	if err != nil {
		return err
	}

	db, err := storage.NewDB(filepath.Join(cfg.Server.DataDir, "termconsensus.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	clock := assignment.SystemClock{}
	registry := mesh.NewRegistry(db, clock, m.Validators)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load validators: %w", err)
	}

	// Stake of a new local validator is assigned through PUT /api/validators
	// and enters the stake snapshot at the next epoch.
	self := identity.FromPublicKey(pub)
	if _, ok := registry.Get(self); !ok {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := registry.Register(self, addr, 0); err != nil {
			return fmt.Errorf("register local validator: %w", err)
		}
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		DB:         db,
		Validators: registry,
		PrivateKey: priv,
		Clock:      clock,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(server.Options{
		Config:   cfg,
		Engine:   eng,
		Registry: registry,
		Metrics:  m,
		Gatherer: promReg,
		Logger:   logger,
	})
	srv.StartWorkers(ctx)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("termconsensus running", "addr", httpSrv.Addr, "identity", eng.Identity(), "epoch", eng.Epoch())
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
