/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the obelisk change request server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env files, environment, then flags)
  2. Initialize the store (SQLite or PostgreSQL)
  3. Optionally create the bootstrap administrator
  4. Wire workflow, metrics, backlog reporter, handler and router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port
  -driver  sqlite | postgres
  -db      SQLite database path, ":memory:" for in-memory

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/obelisk.db"

  # Run against PostgreSQL
  DATABASE_URL=postgres://localhost/obelisk ./server -driver=postgres

  # Create an administrator on first start
  OBELISK_BOOTSTRAP_ADMIN=ops@example.com ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/warp/obelisk/api"
	"github.com/warp/obelisk/changerequest"
	"github.com/warp/obelisk/config"
	"github.com/warp/obelisk/metrics"
	"github.com/warp/obelisk/store/postgres"
	"github.com/warp/obelisk/store/sqlite"
)

// appStore is what the server needs from either database backend.
type appStore interface {
	changerequest.Store
	api.UserDirectory
	GetUserByEmail(ctx context.Context, email string) (*changerequest.User, error)
	SaveUser(ctx context.Context, u *changerequest.User) error
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.DBDriver, "Database driver (sqlite|postgres)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBDriver, cfg.DBPath = *port, *driver, *dbPath
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger := cfg.Logger()
	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).WithField("driver", cfg.DBDriver).Fatal("Failed to initialize database")
	}
	defer store.Close()

	if cfg.BootstrapAdmin != "" {
		if err := bootstrapAdmin(ctx, store, cfg.BootstrapAdmin); err != nil {
			logger.WithError(err).Fatal("Failed to create bootstrap administrator")
		}
	}

	// Wire workflow and handler
	wf := changerequest.NewWorkflow(store, changerequest.DefaultRegistry())
	wf.Comments = cfg.CommentPolicy()
	wf.Logger = logger
	wf.Metrics = metrics.NewPrometheus(prometheus.DefaultRegisterer)

	if cfg.BacklogInterval > 0 {
		backlog := metrics.NewBacklogReporter(store, prometheus.DefaultRegisterer, logger)
		backlog.CheckInterval = cfg.BacklogInterval
		backlog.Start()
		defer backlog.Stop()
	}

	handler := api.NewHandler(wf, store, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		MetricsPath: cfg.MetricsPath,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return
	}

	logger.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (appStore, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return postgres.New(ctx, cfg.DatabaseURL)
	}
	return sqlite.New(cfg.DBPath)
}

func bootstrapAdmin(ctx context.Context, store appStore, email string) error {
	existing, err := store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return store.SaveUser(ctx, &changerequest.User{
		Email: email,
		Name:  email,
		Role:  changerequest.RoleAdministrator,
	})
}
