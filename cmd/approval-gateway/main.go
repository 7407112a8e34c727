package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/majordomo-ai/majordomo/internal/api"
	"github.com/majordomo-ai/majordomo/internal/audit"
	"github.com/majordomo-ai/majordomo/internal/config"
	"github.com/majordomo-ai/majordomo/internal/gate"
	"github.com/majordomo-ai/majordomo/internal/identity"
	"github.com/majordomo-ai/majordomo/internal/queue"
	"github.com/majordomo-ai/majordomo/internal/registry"
	"github.com/majordomo-ai/majordomo/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	createKeyName := flag.String("create-operator-key", "", "create an operator API key with this name, print it, and exit")
	flag.Parse()

	// Logger
	logger := mustBuildLogger(envOrDefault("GATEWAY_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("GATEWAY_HTTP_PORT", "8080")
	authzPath := os.Getenv("GATEWAY_AUTHORIZATION_CONFIG")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	cacheTTL := envOrDefaultInt("GATEWAY_AUTH_CACHE_TTL_S", 30)
	directoryTTL := envOrDefaultInt("GATEWAY_DIRECTORY_CACHE_TTL_S", 60)
	sweepInterval := envOrDefaultInt("GATEWAY_EXPIRY_SWEEP_INTERVAL_S", 60)

	// Postgres pool (required)
	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	pgStore := store.NewStore(db)
	logger.Info("postgres connected")

	// Bootstrap mode: mint an operator key and exit
	if *createKeyName != "" {
		key, plaintext, err := pgStore.CreateOperatorKey(context.Background(), *createKeyName)
		if err != nil {
			logger.Fatal("failed to create operator key", zap.Error(err))
		}
		fmt.Printf("operator key %q created (id %s)\n%s\n", key.Name, key.ID, plaintext)
		fmt.Println("store this key now; only its hash is kept")
		return
	}

	// Authorization config (which tools are gated)
	var authz *config.Authorization
	if authzPath != "" {
		authz, err = config.Load(authzPath)
		if err != nil {
			logger.Fatal("failed to load authorization config",
				zap.String("path", authzPath),
				zap.Error(err),
			)
		}
		logger.Info("authorization config loaded",
			zap.String("path", authzPath),
			zap.Bool("enabled", authz.Enabled),
			zap.Int("gated_tools", len(authz.Tools)),
		)
	} else {
		logger.Warn("no GATEWAY_AUTHORIZATION_CONFIG set, gating disabled")
	}

	// Audit mirror — ClickHouse or LogWriter fallback
	var writer audit.EventWriter
	var chReader *audit.Reader
	if clickhouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = audit.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}

		chReader, err = audit.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			chReader = nil
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	} else {
		writer = audit.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	recorder := audit.NewRecorder(pgStore, writer, logger)

	// Contact directory and target resolver
	directory := identity.NewPostgresDirectory(identity.PostgresDirectoryConfig{
		DB:       db,
		CacheTTL: time.Duration(directoryTTL) * time.Second,
		Logger:   logger,
	})
	resolver := identity.NewResolver(directory, logger)

	// Tool registry — butler tools register here before the gate installs.
	// TODO: replace the built-in stubs once the messaging and calendar
	// services register their real handlers in-process.
	reg := registry.New()
	registerBuiltinTools(reg, logger)

	// Gate interceptor
	interceptor := gate.NewInterceptor(authz, pgStore, pgStore, resolver, recorder, logger)
	originals, err := interceptor.Install(reg)
	if err != nil {
		logger.Fatal("failed to install gate", zap.Error(err))
	}
	logger.Info("gate installed", zap.Int("gated_tools", len(originals)))

	// Action queue service
	queueSvc := queue.NewService(pgStore, originals, recorder, logger)

	// Expiry sweep ticker
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Duration(sweepInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				result, err := queueSvc.ExpireStaleActions(sweepCtx)
				if err != nil {
					logger.Error("expiry sweep failed", zap.Error(err))
					continue
				}
				if result.ExpiredCount > 0 {
					logger.Info("expiry sweep",
						zap.Int("expired", result.ExpiredCount),
						zap.Strings("action_ids", result.ActionIDs),
					)
				}
			}
		}
	}()

	// HTTP API server
	deps := &api.Dependencies{
		Queue:    queueSvc,
		Rules:    pgStore,
		Events:   pgStore,
		Keys:     pgStore,
		Reader:   chReader,
		Logger:   logger,
		CacheTTL: time.Duration(cacheTTL) * time.Second,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("approval gateway stopped")
}

// registerBuiltinTools registers stub handlers for the butler tools the
// gateway fronts, so the queue and gate are exercisable before the real
// services attach.
func registerBuiltinTools(reg *registry.Registry, logger *zap.Logger) {
	stub := func(name string) registry.Handler {
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			logger.Info("tool invoked", zap.String("tool_name", name), zap.Any("args", args))
			return map[string]any{"tool": name, "accepted": true}, nil
		}
	}
	for _, name := range []string{
		"email_send",
		"telegram_send",
		"calendar_create_event",
		"payments_transfer",
	} {
		reg.Register(name, stub(name))
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
