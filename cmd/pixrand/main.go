package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/pixrand-go/internal/api"
	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/database"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/secret"
	"github.com/user/pixrand-go/internal/service"
	"github.com/user/pixrand-go/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("pixrand - %s\n\n", version.Short())
	fmt.Println("Usage: pixrand [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --init         Generate .env.example configuration template")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without options, starts the random image gateway.")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Use environment variables or .env file (see .env.example)")
	fmt.Println("  Run 'pixrand --init' to generate configuration template")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := getLogDir()
	logger, err := newLogger(cfg.Server.LogLevel, logDir, cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting pixrand",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	db, err := database.Open(cfg.Database.URL, cfg.Database.BusyTimeoutMS, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	fieldKey, err := base64.StdEncoding.DecodeString(cfg.Security.FieldEncryptionKey)
	if err != nil {
		return fmt.Errorf("decode FIELD_ENCRYPTION_KEY: %w", err)
	}
	vault, err := secret.NewVault(fieldKey)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	// Repositories.
	images := repository.NewImageRepository(db)
	tags := repository.NewTagRepository(db)
	tokens := repository.NewTokenRepository(db)
	proxies := repository.NewProxyRepository(db)
	jobs := repository.NewJobRepository(db)
	imports := repository.NewImportRepository(db)
	hydration := repository.NewHydrationRepository(db)
	keys := repository.NewAPIKeyRepository(db)
	logs := repository.NewRequestLogRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	audit := repository.NewAuditRepository(db)

	// Services.
	settings := service.NewSettingsService(settingsRepo, cfg, logger)
	selector := service.NewSelector(tokens, proxies, settings, vault, logger)
	clients := service.NewOutboundClients(30 * time.Second)
	pixiv := service.NewPixivClient(cfg, tokens, vault, clients, logger)
	cache := service.NewTokenCache(pixiv)
	fetcher := service.NewFetcher(clients, logger)
	picker := service.NewPicker(images, settings, logger)
	stats := service.NewRandomStats(settings)

	signer, err := service.NewImgproxySigner(cfg.Imgproxy)
	if err != nil {
		return fmt.Errorf("init imgproxy signer: %w", err)
	}

	handlers := service.NewJobHandlers(cfg, images, imports, proxies, logs, jobs,
		hydration, selector, cache, pixiv, clients, settings, logger)

	worker := service.NewWorker(cfg, jobs, settings, logger)
	handlers.RegisterAll(worker)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Worker.Enabled {
		worker.Start(workerCtx)
		defer worker.Stop()
	}

	server := api.NewServer(api.ServerDeps{
		Cfg:          cfg,
		DB:           db,
		Vault:        vault,
		Settings:     settings,
		Selector:     selector,
		Fetcher:      fetcher,
		Picker:       picker,
		Signer:       signer,
		Stats:        stats,
		Handlers:     handlers,
		Images:       images,
		Tags:         tags,
		Tokens:       tokens,
		Proxies:      proxies,
		Jobs:         jobs,
		Imports:      imports,
		Hydration:    hydration,
		Keys:         keys,
		Logs:         logs,
		SettingsRepo: settingsRepo,
		Audit:        audit,
		Logger:       logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // image streaming needs a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "pixrand.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON encoder for structured log parsing
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console core: human-readable output to stdout/stderr
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN/ERROR+
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}

func getLogDir() string {
	if dir := os.Getenv("PIXRAND_LOGS_DIR"); dir != "" {
		return dir
	}
	return "logs"
}
