package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"forumcore/internal/app"
	"forumcore/internal/cache"
	"forumcore/internal/config"
	"forumcore/internal/events"
	"forumcore/internal/logging"
	"forumcore/internal/moderation"
	"forumcore/internal/rbac"
	"forumcore/internal/search"
	"forumcore/internal/store"
	"forumcore/internal/throttle"
)

// runtime holds everything a command needs, wired from the environment.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	service *app.Service
	search  *search.Service
	fts     *search.PgFTS
	closers []func()
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logJSON {
		cfg.LogJSON = true
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, Service: "forumctl"})
	if err := cfg.LoadModerationFile(); err != nil {
		return cfg, logger, err
	}
	return cfg, logger, nil
}

func migrationsFS(cfg config.Config) fs.FS {
	if strings.TrimSpace(cfg.MigrationsDir) != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return store.Migrations()
}

// openDatabase connects and brings the schema up to date. It returns the
// migration versions applied by this call.
func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, []string, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{MaxOpen: cfg.DBMaxOpenConns, MaxIdle: cfg.DBMaxIdleConns})
	if err != nil {
		return nil, nil, err
	}
	applied, err := store.ApplyMigrations(ctx, db, migrationsFS(cfg))
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, applied, nil
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, applied, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		logger.Info("schema migrated", "versions", applied)
	}
	rt := &runtime{cfg: cfg, logger: logger, db: db}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	var backend cache.Backend = cache.NewMemoryBackend()
	var tracker throttle.Tracker = throttle.NewMemoryTracker()
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisBackend(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Warn("redis unavailable, using in-process cache", "error", err)
		} else {
			backend = redisCache
			rt.closers = append(rt.closers, func() { _ = redisCache.Close() })
		}
		redisTracker, err := throttle.NewRedisTracker(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, using in-process flood tracker", "error", err)
		} else {
			tracker = redisTracker
			rt.closers = append(rt.closers, func() { _ = redisTracker.Close() })
		}
	}
	dataStore := cache.Wrap(store.NewPostgresStore(db), backend, logger)

	gate := moderation.New(moderation.Config{
		FloodWindow:          cfg.FloodWindow,
		BlacklistKeys:        cfg.BlacklistKeys,
		ModerationKeys:       cfg.ModerationKeys,
		MaxLinks:             cfg.MaxLinks,
		DuplicateScopeParent: cfg.DuplicateScopeParent,
	}, dataStore, tracker, logger)

	var primary search.Backend
	if cfg.MeiliURL != "" {
		meili := search.NewMeili(search.MeiliConfig{URL: cfg.MeiliURL, APIKey: cfg.MeiliMasterKey}, logger)
		primary = meili
		rt.closers = append(rt.closers, meili.Close)
	}
	rt.fts = search.NewPgFTS(db)
	rt.search = search.NewService(primary, rt.fts, logger)

	bus := events.NewBus(logger)
	search.NewListener(dataStore, rt.search, logger).Attach(bus)

	rt.service = app.New(cfg, dataStore, gate, bus, logger)
	return rt, nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// operator is the actor for commands run from the shell.
func operator() app.Actor {
	return app.Actor{UserID: operatorID, Role: rbac.RoleKeymaster, Name: "forumctl"}
}
