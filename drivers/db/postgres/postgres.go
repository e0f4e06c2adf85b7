package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// DriverName is the database/sql driver name registered by lib/pq. sqlx
// rebinds '?' placeholders to $N for it.
const DriverName = "postgres"

const pingTimeout = 5 * time.Second

// NormalizeDSN turns a postgres:// URL into the key=value form lib/pq
// documents; other DSNs are returned unchanged.
func NormalizeDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		conn, err := pq.ParseURL(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid postgres url: %w", err)
		}
		return conn, nil
	}
	return dsn, nil
}

// Open connects to PostgreSQL and verifies the connection with a ping.
func Open(dsn string, logger zerolog.Logger) (*sqlx.DB, error) {
	conn, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(DriverName, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	// Set reasonable default connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	logger.Info().Msg("PostgreSQL connection initialized successfully.")
	return db, nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
