package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// RedactDSN returns a copy of the DSN with the password replaced by ****.
func RedactDSN(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "(invalid DATABASE_URL)"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

// extractDBName returns the database name from the URL path ("/accounts" -> "accounts").
func extractDBName(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
}

func isDatabaseDoesNotExist(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database") && strings.Contains(msg, "does not exist")
}

// Open establishes a connection to PostgreSQL and configures the connection pool.
func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*sql.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	dbName := extractDBName(u)
	host := u.Hostname()
	port := u.Port()
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}

	log.Info("db connect target",
		zap.String("host", host),
		zap.String("port", port),
		zap.String("db", dbName),
		zap.String("dsn", RedactDSN(databaseURL)),
	)

	// Check the database exists on this instance via the maintenance DB, so a
	// wrong host shows up as a clear log line instead of a generic ping error.
	if dbName != "" {
		precheck(ctx, *u, dbName, log)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(connectCtx); err != nil {
		_ = db.Close()

		if isDatabaseDoesNotExist(err) {
			return nil, fmt.Errorf("database %q not found on host=%s port=%s: %w", dbName, host, port, err)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func precheck(ctx context.Context, u url.URL, dbName string, log *zap.Logger) {
	u.Path = "/postgres"
	u.RawPath = ""

	maint, err := sql.Open("postgres", u.String())
	if err != nil {
		log.Warn("db precheck: could not open maintenance connection", zap.Error(err))
		return
	}
	defer maint.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var found string
	err = maint.QueryRowContext(checkCtx,
		"SELECT datname FROM pg_database WHERE datname = $1", dbName,
	).Scan(&found)

	switch {
	case err == nil:
		log.Debug("db precheck: database exists", zap.String("db", found))
	case errors.Is(err, sql.ErrNoRows):
		log.Warn("db precheck: database not found on this instance", zap.String("db", dbName))
	default:
		log.Warn("db precheck: could not query pg_database", zap.Error(err))
	}
}
