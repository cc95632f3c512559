package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/transitpulse/realtime-tracker/internal/busstate"
	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/config"
	"github.com/transitpulse/realtime-tracker/internal/db"
	"github.com/transitpulse/realtime-tracker/internal/egress"
	"github.com/transitpulse/realtime-tracker/internal/estimator"
	transithttp "github.com/transitpulse/realtime-tracker/internal/http"
	"github.com/transitpulse/realtime-tracker/internal/ingress"
	"github.com/transitpulse/realtime-tracker/internal/matcher"
	"github.com/transitpulse/realtime-tracker/internal/metrics"
	"github.com/transitpulse/realtime-tracker/internal/pipeline"
	"github.com/transitpulse/realtime-tracker/internal/registry"
	"github.com/transitpulse/realtime-tracker/internal/station"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: transit-ingest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the real-time tracking service")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting transit-ingest",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	catalogReader := catalog.NewReader(pool, cfg.Catalog.CacheTTL(), cfg.Catalog.QueryTimeout(), logger.Named("catalog"))
	defer catalogReader.Close()

	store := busstate.NewStore(cfg.Matching.HistorySize)

	busMatcher := matcher.New(catalogReader, cfg.Matching.MinSignalsForDirection,
		cfg.Matching.DirectionMatchThresholdDegrees, cfg.Matching.MinMovementThresholdMeters)

	reg := registry.NewRegistry(cfg.Broadcast.PerConnectionQueueSize, logger.Named("registry"))
	broadcaster := registry.NewBroadcaster(reg, catalogReader, logger.Named("broadcaster"))

	departureOffset := time.Duration(cfg.Matching.StopDepartureOffsetSeconds) * time.Second
	buildEsta := func(sublineID int, pos wire.Coordinate, velocityMS float64, stops []catalog.Stop, now time.Time) (wire.EstaInfoMessage, error) {
		return estimator.BuildEstaInfo(sublineID, pos, velocityMS, stops, now, cfg.Matching.UpcomingStopsCount, departureOffset)
	}

	pl := pipeline.New(store, catalogReader, busMatcher, broadcaster, buildEsta,
		cfg.Matching.HistorySize, cfg.Matching.MinSignalsForDirection, logger.Named("pipeline"))

	driverHandler := ingress.NewHandler(pl, logger.Named("ingress"))
	passengerHandler := egress.NewHandler(egress.RegistryAdapter{Registry: reg}, logger.Named("egress"))

	stationFinder := station.NewFinder(catalogReader, store)
	stationHandler := station.NewHandler(stationFinder, logger.Named("station"))

	// Evict idle bus state on a fixed interval so a disconnected
	// driver's state does not linger forever.
	evictTicker := time.NewTicker(cfg.BusState.IdleEvictionWindow() / 2)
	defer evictTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-evictTicker.C:
				n := store.EvictIdle(cfg.BusState.IdleEvictionWindow())
				if n > 0 {
					logger.Debug("evicted idle bus state", zap.Int("count", n))
				}
			}
		}
	}()

	httpServer := transithttp.NewServer(cfg.Service.HTTPListen, pool, driverHandler, passengerHandler, stationHandler, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("transit-ingest started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	logger.Info("transit-ingest stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
