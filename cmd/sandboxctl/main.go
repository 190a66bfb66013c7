// Command sandboxctl is the control plane: it serves the browser-facing
// WebSocket gateway and REST surface, manages remote development
// sandboxes through the configured provider backend, and orchestrates the
// agent sessions running inside them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxctl/backend/internal/config"
	"github.com/sandboxctl/backend/internal/db"
	"github.com/sandboxctl/backend/internal/events"
	"github.com/sandboxctl/backend/internal/gateway/websocket"
	"github.com/sandboxctl/backend/internal/httpapi"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/orchestrator"
	"github.com/sandboxctl/backend/internal/provider"
	providerdocker "github.com/sandboxctl/backend/internal/provider/docker"
	providersprites "github.com/sandboxctl/backend/internal/provider/sprites"
	"github.com/sandboxctl/backend/internal/registry"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
	storesqlite "github.com/sandboxctl/backend/internal/store/sqlite"
	"github.com/sandboxctl/backend/internal/tracing"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	// Durable store.
	writer, reader, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	repo, err := storesqlite.New(writer, reader)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = repo.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	user, err := repo.EnsureDefaultUser(ctx)
	if err != nil {
		return err
	}

	// Event bus: in-memory by default, NATS when configured.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()

	// Sandbox manager, rebuilt whenever provider settings change.
	managers := sandboxmgr.NewHandle(nil)
	reconfigure := func(ctx context.Context) error {
		return rebuildManager(ctx, cfg, repo, managers, log)
	}
	if err := reconfigure(ctx); err != nil {
		log.Warn("sandbox provider not configured; projects stay stopped until settings are set",
			zap.Error(err))
	}
	defer managers.Replace(nil)

	reg := registry.New(repo, managers, providedBus.Bus, cfg.Provider, log)

	dispatcher := ws.NewDispatcher()
	hub := websocket.NewHub(dispatcher, log)

	orch := orchestrator.New(repo, managers, hub, providedBus.Bus, cfg.Orchestrator, log)
	defer orch.Shutdown()

	handlers := websocket.NewHandlers(repo, reg, orch, managers, hub, log)
	handlers.Register(dispatcher)

	if err := websocket.BindProjectBroadcasts(providedBus.Bus, hub, log); err != nil {
		return err
	}

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	websocket.RegisterRoutes(router, hub, log)
	api := httpapi.New(repo, reg, managers, reconfigure, cfg.Settings.VisibleToUsers, user.ID, log)
	api.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("control plane listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openDatabase opens the writer/reader pools for the configured driver.
func openDatabase(cfg *config.Config) (*sqlx.DB, *sqlx.DB, error) {
	if cfg.Database.Driver == "postgres" {
		raw, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		pool := sqlx.NewDb(raw, "pgx")
		return pool, pool, nil
	}

	rawWriter, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	rawReader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		_ = rawWriter.Close()
		return nil, nil, err
	}
	return sqlx.NewDb(rawWriter, "sqlite3"), sqlx.NewDb(rawReader, "sqlite3"), nil
}

// rebuildManager composes the effective provider configuration from the
// config file plus the Setting rows, builds the matching backend, and
// swaps it into the handle. Consumers detect the swap via the generation
// number and re-attach their listeners.
func rebuildManager(ctx context.Context, cfg *config.Config, repo store.Store, managers *sandboxmgr.Handle, log *logger.Logger) error {
	effective := cfg.Provider
	if setting, err := repo.GetSetting(ctx, store.SettingProviderAPIToken); err == nil && setting.Value != "" {
		effective.APIToken = setting.Value
	}
	if setting, err := repo.GetSetting(ctx, store.SettingProviderBaseURL); err == nil && setting.Value != "" {
		effective.BaseURL = setting.Value
	}
	if setting, err := repo.GetSetting(ctx, store.SettingProviderSnapshot); err == nil && setting.Value != "" {
		effective.SnapshotName = setting.Value
	}
	cfg.Provider = effective

	var backend provider.Provider
	var err error
	switch effective.Backend {
	case "docker":
		backend, err = providerdocker.New(cfg.Docker, cfg.Bridge, log)
	default:
		backend, err = providersprites.New(effective, cfg.Bridge, log)
	}
	if err != nil {
		managers.Replace(nil)
		return err
	}

	managers.Replace(sandboxmgr.New(backend, log))
	log.Info("sandbox manager (re)initialized", zap.String("backend", effective.Backend))
	return nil
}
