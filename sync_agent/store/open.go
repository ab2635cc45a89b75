package store

import (
	"context"
	"fmt"
	"log"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string // "memory", "redis" or "postgres"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string
}

// Open connects the configured backend.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", "memory":
		log.Println("[STORE] using in-memory store (data is lost on restart)")
		return NewMemoryStore(), nil
	case "redis":
		s, err := NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		log.Printf("[STORE] connected to redis at %s", opts.RedisAddr)
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, opts.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Println("[STORE] connected to postgres")
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
