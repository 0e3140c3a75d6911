package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callflow-platform/internal/audit"
	"callflow-platform/internal/bridge"
	"callflow-platform/internal/calls"
	"callflow-platform/internal/config"
	"callflow-platform/internal/gateway"
	"callflow-platform/internal/httpapi"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/workflow"
	"callflow-platform/migrations"
	"callflow-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// sessionLockTTL bounds how long a crashed replica can hold a call's lock.
const sessionLockTTL = 15 * time.Second

type directory interface {
	routing.Directory
	httpapi.NumberBinder
	httpapi.QueueAdmin
}

type overrideStore interface {
	routing.OverrideStore
	httpapi.OverrideAdmin
}

// stores is every persistence dependency of the process for one storage
// profile.
type stores struct {
	workflows   workflow.Store
	audit       audit.Repository
	sessions    calls.Store
	archive     calls.Archive
	notifier    calls.Notifier
	locks       calls.Locker
	capacity    calls.Capacity
	directory   directory
	overrides   overrideStore
	conferences bridge.ConferenceStore
	dedup       gateway.Dedup

	ready func(ctx context.Context) error
	close func()
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (*stores, error) {
	if cfg.UsesMemoryStorage() {
		log.Warn("using process-local storage; state is lost on restart")
		return memoryStores(cfg), nil
	}
	return durableStores(ctx, cfg, log)
}

func memoryStores(cfg config.Config) *stores {
	return &stores{
		workflows:   workflow.NewMemoryRepo(),
		audit:       audit.NewMemoryRepo(),
		sessions:    calls.NewMemoryStore(),
		archive:     calls.NewMemoryArchive(),
		notifier:    calls.NewMemoryNotifier(),
		locks:       calls.NewKeyedMutex(),
		capacity:    calls.NewMemoryCapacity(cfg.Calls.MaxConcurrentPerWorkspace),
		directory:   routing.NewMemoryDirectory(),
		overrides:   routing.NewMemoryOverrides(),
		conferences: bridge.NewMemoryConferences(),
		dedup:       gateway.NewMemoryDedup(cfg.Webhook.DedupTTL),
		ready:       func(context.Context) error { return nil },
		close:       func() {},
	}
}

// durableStores keeps authoring data and the call archive in Postgres and all
// live call state in Redis, so any replica can take any webhook.
func durableStores(ctx context.Context, cfg config.Config, log *slog.Logger) (*stores, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, err
	}
	if cfg.DB.AutoMigrate {
		applied, err := utils.Migrate(ctx, db, migrations.FS)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("migrations applied", "files", applied)
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ttl := cfg.Calls.SessionTTL
	return &stores{
		workflows:   workflow.NewPostgresRepo(db),
		audit:       audit.NewPostgresRepo(db),
		sessions:    calls.NewRedisStore(rdb, ttl),
		archive:     calls.NewPostgresArchive(db),
		notifier:    calls.NewRedisNotifier(rdb, cfg.Calls.NotifyStream),
		locks:       calls.NewRedisLocker(rdb, sessionLockTTL),
		capacity:    calls.NewRedisCapacity(rdb, cfg.Calls.MaxConcurrentPerWorkspace, ttl),
		directory:   routing.NewRedisDirectory(rdb),
		overrides:   routing.NewRedisOverrides(rdb),
		conferences: bridge.NewRedisConferences(rdb, ttl),
		dedup:       gateway.NewRedisDedup(rdb, cfg.Webhook.DedupTTL),
		ready: func(ctx context.Context) error {
			return errors.Join(
				utils.HealthCheck(ctx, db, 2*time.Second),
				rdb.Ping(ctx).Err(),
			)
		},
		close: func() {
			_ = rdb.Close()
			_ = db.Close()
		},
	}, nil
}
