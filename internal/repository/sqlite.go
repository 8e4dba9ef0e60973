package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/billguard/internal/domain"
	_ "modernc.org/sqlite"
)

// memoryPath opens a private in-memory database, used by the CLI and tests.
const memoryPath = ":memory:"

// sqlitePragmas run on every new connection. Runs are written once per
// batch and read by dashboards, so WAL keeps reads going during a write and
// busy_timeout waits out another connection's write lock.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
	"temp_store(MEMORY)",
}

// sqlitePool keeps a few readers beside the single writer SQLite allows.
var sqlitePool = pool{maxOpen: 4, maxIdle: 4}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	// Take the write lock at BEGIN so two SaveRun calls queue on
	// busy_timeout instead of failing mid-transaction.
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// openSQLite opens the pure-Go SQLite driver, so no CGO toolchain is needed.
func openSQLite(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./billguard.db"
	}
	memory := path == memoryPath

	if !memory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		sqlitePool.apply(db, cfg)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if !memory {
		var mode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err == nil && !strings.EqualFold(mode, "wal") {
			// Network filesystems refuse WAL; writes then block readers.
			slog.Warn("sqlite is not in WAL mode",
				"path", path,
				"journal_mode", mode,
			)
		}
	}
	return db, nil
}
