package store

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a DurableStore driver.
type Options struct {
	Driver      string // "memory", "sqlite", "postgres", "redis"
	SQLitePath  string
	DatabaseURL string
	RedisAddr   string
}

// Open constructs the configured driver.
func Open(ctx context.Context, opts Options) (DurableStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = ".data/mediabridge.db"
		}
		return OpenSQLite(ctx, path)
	case "postgres":
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("store: postgres driver requires a database URL")
		}
		return OpenPostgres(ctx, opts.DatabaseURL)
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("store: redis driver requires an address")
		}
		return OpenRedis(ctx, opts.RedisAddr)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}
