package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	connectAttempts = 10
	connectBackoff  = 2 * time.Second
)

var kvPasswordRegex = regexp.MustCompile(`(password=)([^\s]+)`)

// Open connects to Postgres, retrying while the database comes up.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	for i := 1; i <= connectAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			log.Info("database connected", zap.String("dsn", MaskDSN(dsn)))
			return conn, nil
		}
		log.Warn("waiting for database", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	conn.Close()
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, err)
}

// MaskDSN hides the password of a URL or key=value DSN for logging.
func MaskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		return u.Redacted()
	}
	return kvPasswordRegex.ReplaceAllString(dsn, `${1}***`)
}
