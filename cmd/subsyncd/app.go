package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/subsync"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	firestorestore "github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/gormstore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	redisstore "github.com/mihaimyh/subsync/storage/redis"
	"github.com/mihaimyh/subsync/storage/tiered"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	logger subsync.Logger
	store  tiered.Store

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	log, err := newLogger(cfg.Log, out)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		logger: zerologadapter.NewLogger(log),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = store
	return a, nil
}

// Close releases storage connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stdout
	}
	if err := applyLogLevel(cfg.Level); err != nil {
		return zerolog.Nop(), err
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "subsyncd").Logger(), nil
}

// applyLogLevel sets the global level so that a reloaded config takes effect
// on loggers that already exist.
func applyLogLevel(level string) error {
	if level == "" {
		level = zerolog.LevelInfoValue
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log.level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func (a *app) openStore(ctx context.Context) (tiered.Store, error) {
	cold, err := a.openPrimary(ctx)
	if err != nil {
		return nil, err
	}

	sc := a.cfg.Storage
	if !sc.Cache || sc.Driver == config.DriverMemory || sc.Driver == config.DriverRedis {
		return cold, nil
	}

	hot, err := a.openRedis(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	store, err := tiered.New(tiered.Config{
		Hot:          hot,
		Cold:         cold,
		AsyncHotSync: true,
		AsyncErrorHandler: func(err error) {
			a.logger.Warn("user cache refresh failed", subsync.Field{Key: "error", Value: err.Error()})
		},
	})
	if err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	return store, nil
}

func (a *app) openPrimary(ctx context.Context) (tiered.Store, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case config.DriverMemory:
		a.log.Warn().Msg("using in-memory storage, state is lost on restart")
		return memory.New(), nil

	case config.DriverPostgres:
		pc := postgres.DefaultConfig()
		pc.ConnectionString = sc.DSN
		pc.AutoMigrate = sc.AutoMigrate
		pc.CleanupEnabled = true
		pc.Logger = a.logger
		store, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { store.Close(); return nil })
		return store, nil

	case config.DriverRedis:
		store, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, a.cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.onClose(client.Close)
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.DriverSQLite, config.DriverMySQL:
		dialector, err := gormstore.Open(sc.Driver, sc.DSN)
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", sc.Driver, err)
		}
		store, err := gormstore.New(db, gormstore.Config{AutoMigrate: sc.AutoMigrate})
		if err != nil {
			return nil, err
		}
		a.onClose(store.Close)
		return store, nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", sc.Driver)
}

func (a *app) openRedis(ctx context.Context) (*redisstore.Storage, error) {
	rc := a.cfg.Redis
	client := goredis.NewClient(&goredis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	cfg := redisstore.DefaultConfig()
	cfg.KeyPrefix = rc.KeyPrefix
	store, err := redisstore.New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.onClose(store.Close)
	return store, nil
}
