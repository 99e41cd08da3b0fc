// Package credstore persists token records keyed by client secret.
// Backends: in-memory, JSON file, PostgreSQL and MySQL.
package credstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lkarlslund/buddyproxy/pkg/tokens"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

var ErrUnknownBackend = errors.New("unknown credential store backend")

// Store is a tokens.Store that owns resources released by Close.
type Store interface {
	tokens.Store
	Close() error
}

type Config struct {
	Backend         string
	Path            string
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	MigrateOnStart  bool
}

// Open returns the backend selected by cfg.Backend. An empty backend means
// memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(cfg.Path)
	case BackendPostgres:
		return NewPostgres(ctx, cfg)
	case BackendMySQL:
		return NewMySQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// secretKey is the storage key for a client secret. Durable backends never
// hold the secret itself.
func secretKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
