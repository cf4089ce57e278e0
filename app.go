package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/maryammeda/tracker/api"
	"github.com/maryammeda/tracker/reminder"
	"github.com/maryammeda/tracker/storage"
)

// app holds the long-lived dependencies shared by every subcommand.
type app struct {
	cfg       *config
	logger    *log.Logger
	redis     *redis.Client
	cache     *storage.Cache
	job       *reminder.Job
	scheduler *reminder.Scheduler
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	backend, err := a.openBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.redis = redis.NewClient(cfg.Redis)
	a.closers = append(a.closers, a.redis.Close)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		// The cache degrades to pass-through, so an unreachable Redis is not fatal.
		logger.WithError(err).Warn("redis unreachable at startup")
	}

	a.cache = storage.NewCache(backend, storage.NewRedisStore(a.redis, cfg.CacheOpTimeout, logger), cfg.Cache, logger)

	notifier, err := a.notifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.job = reminder.NewJob(backend, notifier, nil, logger)
	a.scheduler, err = reminder.NewScheduler(a.job, reminder.Config{
		Time:     cfg.ReminderTime,
		Location: cfg.ReminderLocation,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (storage.Backend, error) {
	switch a.cfg.StoreDriver {
	case driverTables:
		tables, err := storage.NewTables(a.cfg.StorageConnStr, a.cfg.AssignmentsTable)
		if err != nil {
			return nil, errors.Wrap(err, "storage")
		}
		if err := tables.EnsureTable(ctx); err != nil {
			return nil, errors.Wrap(err, "create table")
		}
		return tables, nil
	default:
		db, err := storage.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return db, nil
	}
}

func (a *app) notifier(ctx context.Context) (reminder.Notifier, error) {
	sinks := reminder.MultiNotifier{reminder.NewLogNotifier(a.logger)}
	if a.cfg.ReminderQueue != "" {
		qn, err := reminder.NewQueueNotifier(a.cfg.StorageConnStr, a.cfg.ReminderQueue)
		if err != nil {
			return nil, errors.Wrap(err, "reminder queue")
		}
		if err := qn.EnsureQueue(ctx); err != nil {
			return nil, errors.Wrap(err, "create reminder queue")
		}
		sinks = append(sinks, qn)
	}
	if a.cfg.ReminderChannel != "" {
		sinks = append(sinks, reminder.NewRedisNotifier(a.redis, a.cfg.ReminderChannel))
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// auth builds the token validator. Only serve needs it, so the Auth0 settings
// are checked here rather than in loadConfig.
func (a *app) auth() (*api.Auth, error) {
	s := a.cfg.Auth
	if s.TestMode {
		return api.NewAuth(nil, api.AuthConfig{
			Audience:    s.Audience,
			TestMode:    true,
			TestSecret:  s.TestSecret,
			KeyCacheTTL: s.JWKSCacheTTL,
		})
	}
	if s.Domain == "" || s.Audience == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", s.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			a.logger.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "jwks")
	}
	a.closers = append(a.closers, func() error { jwks.EndBackground(); return nil })
	return api.NewAuth(jwks, api.AuthConfig{
		Audience:    s.Audience,
		Issuer:      "https://" + s.Domain + "/",
		KeyCacheTTL: s.JWKSCacheTTL,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
