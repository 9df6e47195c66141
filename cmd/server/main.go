/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the progression engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the store and run migrations
  4. Seed the definition catalog
  5. Wire ledger, achievements, challenges, rewards, leaderboards
  6. Start the leaderboard and sweep schedulers
  7. Start the HTTP server

COMMAND-LINE FLAGS (override environment):
  -port     HTTP server port (GAMIFY_PORT)
  -db       SQLite database path (GAMIFY_DB_PATH)
            ":memory:" for a throwaway SQLite database
            ":mem:" for the in-process store
  -catalog  JSON catalog file (GAMIFY_CATALOG_PATH); empty seeds the built-in catalog

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the schedulers
  2. Stop accepting new connections
  3. Wait for active requests to complete
  4. Close database connection

EXAMPLES:
  ./server -db="./data/progression.db"
  ./server -db=":mem:" -port=3000
  GAMIFY_LEADERBOARD_INTERVAL=1m ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/api"
	"github.com/warp/progression-engine/challenge"
	"github.com/warp/progression-engine/config"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
	"github.com/warp/progression-engine/factory"
	"github.com/warp/progression-engine/leaderboard"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/logging"
	"github.com/warp/progression-engine/progression"
	"github.com/warp/progression-engine/rewards"
	"github.com/warp/progression-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	catalogPath := flag.String("catalog", cfg.Catalog.Path, "JSON catalog file")
	flag.Parse()

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, *port, *dbPath, *catalogPath, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, port, dbPath, catalogPath string, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	txStore, closeStore, err := openStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("db", dbPath))

	// Seed catalog
	if err := seedCatalog(ctx, txStore, catalogPath); err != nil {
		return err
	}

	// Wire the engine
	runner := engine.NewRunner(txStore, engine.LogNotifier{Logger: logger.Named("notify")}, logger)
	runner.MaxAttempts = cfg.Retry.MaxAttempts
	runner.InitialInterval = cfg.Retry.InitialInterval

	l := ledger.New(runner, cfg.LevelCurve(), engine.SystemClock)
	rw := rewards.New(runner, l, engine.SystemClock)
	ach := achievement.New(runner, l, engine.SystemClock)
	ch := challenge.New(runner, l, rw, engine.SystemClock)
	prog := progression.New(runner, l, ach, ch, progression.Points{
		Survey:   cfg.Points.Survey,
		Referral: cfg.Points.Referral,
	}, engine.SystemClock)

	ranker := leaderboard.New(runner, l, leaderboard.NewRegistry(), engine.SystemClock)
	ranker.Concurrency = cfg.Leaderboard.Concurrency

	// Schedulers
	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()

	lbScheduler := leaderboard.NewScheduler(ranker, cfg.Leaderboard.Interval)
	if err := lbScheduler.Start(schedCtx); err != nil {
		return fmt.Errorf("failed to start leaderboard scheduler: %w", err)
	}

	sweepScheduler := api.NewSweepScheduler(prog, logger)
	sweepScheduler.CheckInterval = cfg.Leaderboard.SweepInterval
	sweepScheduler.Start()

	// Router
	handler := api.NewHandler(api.Services{
		Store:        txStore,
		Ledger:       l,
		Achievements: ach,
		Challenges:   ch,
		Rewards:      rw,
		Ranker:       ranker,
		Progression:  prog,
	}, logger)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	sweepScheduler.Stop()
	if err := lbScheduler.Stop(); err != nil {
		logger.Warn("leaderboard scheduler stop failed", zap.Error(err))
	}
	cancelSched()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(dbPath string) (engine.TxStore, func(), error) {
	if dbPath == ":mem:" {
		return store.NewMemory(), func() {}, nil
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, nil, err
		}
	}
	s, err := sqlite.New(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

func seedCatalog(ctx context.Context, s engine.TxStore, path string) error {
	data := []byte(factory.DefaultCatalogJSON)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		data = b
	}

	cat, err := factory.NewCatalogFactory(engine.SystemClock).Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := factory.Seed(ctx, s, cat); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	return nil
}
