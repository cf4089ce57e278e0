package main

import (
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/maryammeda/tracker/storage"
)

const (
	driverSQLite = "sqlite"
	driverTables = "tables"
)

type authSettings struct {
	Domain       string
	Audience     string
	TestMode     bool
	TestSecret   string
	JWKSCacheTTL time.Duration
}

type config struct {
	Debug      bool
	ListenAddr string

	StoreDriver      string
	SQLitePath       string
	StorageConnStr   string
	AssignmentsTable string

	Redis *redis.Options
	Cache storage.CacheOptions
	// CacheOpTimeout bounds every individual cache call.
	CacheOpTimeout time.Duration

	ReminderTime     string
	ReminderLocation *time.Location
	ReminderEnabled  bool
	ReminderQueue    string
	ReminderChannel  string

	DeduperTTL time.Duration
	Auth       authSettings
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("debug", false)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("store_driver", driverSQLite)
	v.SetDefault("sqlite_path", "tracker.db")
	v.SetDefault("assignments_table", "Assignments")
	v.SetDefault("redis_host", "redis")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("cache_ttl_seconds", int(storage.DefaultTTL/time.Second))
	v.SetDefault("cache_op_timeout", "250ms")
	v.SetDefault("cache_invalidation", string(storage.InvalidateOwner))
	v.SetDefault("page_limit_default", storage.DefaultPageLimit)
	v.SetDefault("page_limit_max", storage.MaxPageLimit)
	v.SetDefault("owner_scoping", true)
	v.SetDefault("reminder_time", "08:00")
	v.SetDefault("reminder_timezone", "Local")
	v.SetDefault("reminder_enabled", true)
	v.SetDefault("deduper_ttl", "24h")
	v.SetDefault("jwks_cache_ttl", "15m")
	v.AutomaticEnv()
	return v
}

func loadConfig(v *viper.Viper) (*config, error) {
	cfg := &config{
		Debug:            v.GetBool("debug"),
		ListenAddr:       v.GetString("listen_addr"),
		StoreDriver:      strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		SQLitePath:       v.GetString("sqlite_path"),
		StorageConnStr:   v.GetString("storage_connection_string"),
		AssignmentsTable: v.GetString("assignments_table"),
		ReminderTime:     v.GetString("reminder_time"),
		ReminderEnabled:  v.GetBool("reminder_enabled"),
		ReminderQueue:    v.GetString("reminder_queue"),
		ReminderChannel:  v.GetString("reminder_channel"),
		Auth: authSettings{
			Domain:     v.GetString("auth0_domain"),
			Audience:   v.GetString("auth0_audience"),
			TestMode:   v.GetBool("auth0_test_mode"),
			TestSecret: v.GetString("test_jwt_secret"),
		},
	}
	if port := v.GetString("functions_customhandler_port"); port != "" {
		cfg.ListenAddr = ":" + port
	}

	switch cfg.StoreDriver {
	case driverSQLite:
		if cfg.SQLitePath == "" {
			return nil, errors.New("SQLITE_PATH must not be empty")
		}
	case driverTables:
		if cfg.StorageConnStr == "" || cfg.AssignmentsTable == "" {
			return nil, errors.New("STORAGE_CONNECTION_STRING and ASSIGNMENTS_TABLE are required for the tables driver")
		}
	default:
		return nil, errors.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.ReminderQueue != "" && cfg.StorageConnStr == "" {
		return nil, errors.New("REMINDER_QUEUE requires STORAGE_CONNECTION_STRING")
	}

	var err error
	if cfg.Redis, err = redisOptions(v); err != nil {
		return nil, err
	}

	ttl := v.GetInt("cache_ttl_seconds")
	if ttl < 0 {
		return nil, errors.Errorf("invalid CACHE_TTL_SECONDS %d", ttl)
	}
	cfg.Cache = storage.CacheOptions{
		TTL:          time.Duration(ttl) * time.Second,
		DefaultLimit: v.GetInt("page_limit_default"),
		MaxLimit:     v.GetInt("page_limit_max"),
		Invalidation: storage.InvalidationPolicy(strings.ToLower(v.GetString("cache_invalidation"))),
		OwnerScoping: v.GetBool("owner_scoping"),
	}
	switch cfg.Cache.Invalidation {
	case storage.InvalidateOwner, storage.InvalidateDefaultPage:
	default:
		return nil, errors.Errorf("unsupported CACHE_INVALIDATION %q", cfg.Cache.Invalidation)
	}
	if cfg.Cache.DefaultLimit <= 0 || cfg.Cache.MaxLimit < cfg.Cache.DefaultLimit {
		return nil, errors.Errorf("invalid page limits: default %d, max %d", cfg.Cache.DefaultLimit, cfg.Cache.MaxLimit)
	}

	if cfg.CacheOpTimeout, err = positiveDuration(v, "cache_op_timeout"); err != nil {
		return nil, err
	}
	if cfg.DeduperTTL, err = positiveDuration(v, "deduper_ttl"); err != nil {
		return nil, err
	}
	if cfg.Auth.JWKSCacheTTL, err = positiveDuration(v, "jwks_cache_ttl"); err != nil {
		return nil, err
	}

	if cfg.ReminderLocation, err = time.LoadLocation(v.GetString("reminder_timezone")); err != nil {
		return nil, errors.Wrap(err, "invalid REMINDER_TIMEZONE")
	}
	return cfg, nil
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", strings.ToUpper(key))
	}
	if d <= 0 {
		return 0, errors.Errorf("invalid %s: must be greater than zero", strings.ToUpper(key))
	}
	return d, nil
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" string, falling back to REDIS_HOST and
// friends when no connection string is set.
func redisOptions(v *viper.Viper) (*redis.Options, error) {
	opts := &redis.Options{
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	conn := strings.TrimSpace(v.GetString("redis_connection_string"))
	if conn == "" {
		opts.Addr = net.JoinHostPort(v.GetString("redis_host"), v.GetString("redis_port"))
		opts.Password = v.GetString("redis_password")
		opts.DB = v.GetInt("redis_db")
		return opts, nil
	}

	if parsed, err := redis.ParseURL(conn); err == nil {
		parsed.DialTimeout = opts.DialTimeout
		parsed.ReadTimeout = opts.ReadTimeout
		parsed.WriteTimeout = opts.WriteTimeout
		return parsed, nil
	}
	parts := strings.Split(conn, ",")
	opts.Addr = strings.TrimSpace(parts[0])
	if opts.Addr == "" {
		return nil, errors.New("invalid REDIS_CONNECTION_STRING")
	}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
