package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/billguard/internal/domain"
)

// postgresPool sizes the pool for a server shared by several replicas.
var postgresPool = pool{maxOpen: 20, maxIdle: 5, lifetime: 30 * time.Minute}

// statementTimeout stops a runaway run listing from holding a connection.
const statementTimeout = 30 * time.Second

// postgresDSN builds a URL-form connection string. The password is
// escaped, so it may contain spaces or quotes.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "billguard"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "billguard")
	q.Set("connect_timeout", "5")
	// Unknown keys reach the server as run-time parameters.
	q.Set("statement_timeout", strconv.FormatInt(statementTimeout.Milliseconds(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// openPostgres opens a PostgreSQL pool through lib/pq.
func openPostgres(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	postgresPool.apply(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres %s/%s: %w", cfg.PostgresHost, cfg.PostgresDB, explainPQ(err))
	}
	return db, nil
}

// explainPQ adds an operator hint to the server errors a fresh deployment
// usually hits.
func explainPQ(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Name() {
	case "invalid_password", "invalid_authorization_specification":
		return fmt.Errorf("%w (check BILLGUARD_POSTGRES_USER and BILLGUARD_POSTGRES_PASSWORD)", err)
	case "invalid_catalog_name":
		return fmt.Errorf("%w (create the database or set repository.postgres_db)", err)
	}
	return err
}
