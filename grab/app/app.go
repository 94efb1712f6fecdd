package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"qishuigrab/grab"
	"qishuigrab/grab/config"
	"qishuigrab/grab/db"
	"qishuigrab/grab/fetch"
	"qishuigrab/grab/httpapi"
	logpkg "qishuigrab/grab/logger"
	"qishuigrab/grab/pipeline"
	"qishuigrab/grab/qishui"
	"qishuigrab/grab/tag"
	"qishuigrab/grab/worker"
)

// App wires all application dependencies.
type App struct {
	Config   *config.Config
	Logger   *logpkg.Logger
	History  *db.Repository // nil when history is disabled
	Pool     *worker.Pool
	Fetcher  *fetch.Service
	Pipeline *pipeline.Service
	HTTP     *httpapi.Server
	Build    BuildInfo
}

// BuildInfo provides build-time metadata.
type BuildInfo struct {
	RuntimeVer string
	BinVersion string
	CommitSHA  string
	BuildTime  string
	BuildArch  string
}

// New builds the application container.
func New(ctx context.Context, configPath string, build BuildInfo) (*App, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logpkg.New(
		conf.GetString("LogDir"),
		conf.GetString("LogLevel"),
		conf.GetString("LogFormat"),
		conf.GetBool("LogSource"),
	)
	if err != nil {
		return nil, err
	}

	var history *db.Repository
	var historyRepo grab.HistoryRepository
	if conf.GetBool("EnableHistory") {
		gormLogger := logpkg.NewGormLogger(log.Slog(), mapGormLevel(conf.GetString("GormLogLevel")))
		databasePath := conf.GetString("Database")
		if strings.TrimSpace(databasePath) == "" {
			databasePath = "history.db"
		}

		history, err = db.NewSQLiteRepository(databasePath, gormLogger)
		if err != nil {
			return nil, fmt.Errorf("init db: %w", err)
		}
		if err := history.ConfigurePool(
			conf.GetInt("DBMaxOpenConns"),
			conf.GetInt("DBMaxIdleConns"),
			time.Duration(conf.GetInt("DBConnMaxLifetimeSec"))*time.Second,
		); err != nil {
			return nil, fmt.Errorf("configure db pool: %w", err)
		}
		historyRepo = history
	}

	pool := worker.New(conf.GetInt("WorkerPoolSize"))

	fetcher := fetch.NewService(fetch.Options{
		Timeout:           time.Duration(conf.GetInt("DownloadTimeoutSec")) * time.Second,
		UserAgent:         conf.GetString("UserAgent"),
		CacheDir:          conf.GetString("CacheDir"),
		MaxCoverBytes:     int64(conf.GetInt("MaxCoverSizeMB")) << 20,
		RequestsPerSecond: conf.GetFloat64("RequestsPerSecond"),
		RequestBurst:      conf.GetInt("RequestBurst"),
	}, log)

	scraper := qishui.NewScraper(log)
	tagger := tag.NewService(log)
	pipe := pipeline.NewService(fetcher, scraper, tagger, historyRepo, log)

	server := httpapi.NewServer(httpapi.Options{
		Host:            conf.GetString("Host"),
		Port:            conf.GetInt("Port"),
		ReadTimeout:     time.Duration(conf.GetInt("ReadTimeoutSec")) * time.Second,
		WriteTimeout:    time.Duration(conf.GetInt("WriteTimeoutSec")) * time.Second,
		HistoryPageSize: conf.GetInt("HistoryPageSize"),
	}, pipe, historyRepo, pool, log)

	return &App{
		Config:   conf,
		Logger:   log,
		History:  history,
		Pool:     pool,
		Fetcher:  fetcher,
		Pipeline: pipe,
		HTTP:     server,
		Build:    build,
	}, nil
}

// Start launches the HTTP server and logs startup state.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("qishuigrab starting",
		"version", a.Build.BinVersion,
		"commit", a.Build.CommitSHA,
		"runtime", a.Build.RuntimeVer,
		"arch", a.Build.BuildArch,
	)

	if a.History != nil {
		if count, err := a.History.Count(ctx); err == nil {
			a.Logger.Info("download history loaded", "records", count)
		}
	}

	go func() {
		if err := a.HTTP.Start(ctx); err != nil {
			a.Logger.Error("http server stopped", "error", err)
		}
	}()

	return nil
}

// Shutdown releases all application resources.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.Pool.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("worker pool shutdown incomplete", "error", err)
	}

	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Warn("history close failed", "error", err)
		}
	}

	a.Logger.Info("qishuigrab stopped")
	return a.Logger.Close()
}

func mapGormLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return gormlogger.Silent
	case "info":
		return gormlogger.Info
	case "error":
		return gormlogger.Error
	case "warn", "warning":
		fallthrough
	default:
		return gormlogger.Warn
	}
}
