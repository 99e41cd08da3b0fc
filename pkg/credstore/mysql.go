package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/lkarlslund/buddyproxy/pkg/tokens"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS token_records (
	secret_hash   CHAR(64) NOT NULL PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    BIGINT NOT NULL,
	updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`

type MySQL struct {
	db *sql.DB
}

func NewMySQL(ctx context.Context, cfg Config) (*MySQL, error) {
	cfg.defaults()
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetMaxIdleConns(int(cfg.MaxConns))
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.MigrateOnStart {
		if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating token_records: %w", err)
		}
	}
	return &MySQL{db: db}, nil
}

func (s *MySQL) Get(ctx context.Context, secret string) (tokens.TokenRecord, bool, error) {
	var rec tokens.TokenRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT access_token, refresh_token, expires_at FROM token_records WHERE secret_hash = ?",
		secretKey(secret),
	).Scan(&rec.AccessToken, &rec.RefreshToken, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tokens.TokenRecord{}, false, nil
	}
	if err != nil {
		return tokens.TokenRecord{}, false, fmt.Errorf("querying token record: %w", err)
	}
	return rec, true, nil
}

func (s *MySQL) Put(ctx context.Context, secret string, rec tokens.TokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_records (secret_hash, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			access_token = VALUES(access_token),
			refresh_token = VALUES(refresh_token),
			expires_at = VALUES(expires_at)
	`, secretKey(secret), rec.AccessToken, rec.RefreshToken, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting token record: %w", err)
	}
	return nil
}

func (s *MySQL) Close() error {
	return s.db.Close()
}
