// Command poold runs the Application Pool, its Request Controller, and
// the embedded admin HTTP API as a single process.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/phusion/passenger-sub013/internal/common/config"
	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/controller"
	"github.com/phusion/passenger-sub013/internal/controller/api"
	"github.com/phusion/passenger-sub013/internal/diagnostics"
	"github.com/phusion/passenger-sub013/internal/events"
	"github.com/phusion/passenger-sub013/internal/pool"
	"github.com/phusion/passenger-sub013/internal/spawning"
)

const poolName = "default"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Application Pool service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Provide the event bus (NATS if configured, in-memory otherwise)
	eventProvider, closeEvents, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeEvents()
	log.Info("Event bus ready")

	// 5. Open the diagnostics sink
	diag, closeDiag, err := openDiagnosticsSink(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open diagnostics sink", zap.Error(err))
	}
	defer closeDiag()

	// 6. Build the Spawning Kit factory
	spawnFactory := spawning.NewFactory(spawning.Config{
		LoadShellEnv: cfg.Spawning.LoadShellEnv,
		Registry:     spawning.NewLoaderRegistry(),
	})

	// 7. Construct the Pool
	p := pool.New(pool.Config{
		Max:         cfg.Pool.Max,
		MaxIdleTime: cfg.Pool.MaxIdleTime(),
	}, spawnFactory, log, eventProvider.Bus, diag)

	// 8. Construct the Request Controller
	ctl := controller.New(p, log)

	// 9. Listen for upstream (client-facing) connections
	controllerAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", controllerAddr)
	if err != nil {
		log.Fatal("Failed to listen for controller connections", zap.Error(err))
	}
	log.Info("Request Controller listening", zap.String("addr", controllerAddr))

	controllerErrCh := make(chan error, 1)
	go func() {
		controllerErrCh <- ctl.ListenAndServe(ctx, ln, defaultConnOptions(cfg))
	}()

	// 10. Setup the embedded admin HTTP API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log), api.RequestLogger(log), api.ErrorHandler(log), api.CORS(), api.BearerAuth(cfg.Auth.AdminToken))

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, p, poolName, eventProvider.Bus, log)

	adminPort := cfg.Server.AdminPort
	if adminPort == 0 {
		adminPort = 8080
	}
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", adminPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Admin API listening", zap.Int("port", adminPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start admin API", zap.Error(err))
		}
	}()

	// 11. Wait for a shutdown signal or a fatal controller error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-controllerErrCh:
		if err != nil {
			log.Error("Request Controller stopped unexpectedly", zap.Error(err))
		}
	}

	// 12. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Admin API shutdown error", zap.Error(err))
	}

	p.Shutdown()

	log.Info("Application Pool service stopped")
}

// defaultConnOptions derives pool.Options for every accepted connection
// from the process-wide spawning defaults, since this binary fronts a
// single configured application rather than routing by request content.
func defaultConnOptions(cfg *config.Config) controller.OptionsForConn {
	method := pool.SpawnMethod(cfg.Spawning.DefaultMethod)
	return func(conn net.Conn) (pool.Options, error) {
		return pool.Options{
			AppRoot:          cfg.Pool.AppRoot,
			AppType:          cfg.Pool.AppType,
			Environment:      cfg.Pool.Environment,
			SpawnMethod:      method,
			StartTimeoutMsec: cfg.Spawning.StartTimeoutMsec,
			MaxPreloaderIdleSec: cfg.Spawning.MaxPreloaderIdleSec,
		}, nil
	}
}

// openDiagnosticsSink selects the diagnostics backend named by
// cfg.Driver. An unset or "memory" driver never touches disk.
func openDiagnosticsSink(cfg config.DatabaseConfig, log *logger.Logger) (pool.DiagnosticsSink, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		sink, err := diagnostics.NewSQLiteSink(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	case "postgres":
		sink, err := diagnostics.NewPostgresSink(cfg.DSN(), cfg.MaxConns, 0)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		log.Info("Using in-memory diagnostics sink")
		sink := diagnostics.NewMemorySink(0)
		return sink, func() { _ = sink.Close() }, nil
	}
}
