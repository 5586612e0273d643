package sink

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
)

// basePragmas let the API read while the pipeline writes.
var basePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
}

// tuningPragmas are opt-in through HOLOCHAT_SQLITE_TUNING=1.
var tuningPragmas = []string{
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

// applyPragmas runs the base pragmas and, when enabled, the tuning set. A
// failing base pragma is returned; tuning failures are only logged.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range basePragmas {
		if _, err := applyPragma(ctx, db, pragma); err != nil {
			return err
		}
	}
	if os.Getenv("HOLOCHAT_SQLITE_TUNING") != "1" {
		return nil
	}
	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, db, pragma)
		if err != nil {
			slog.Warn("sqlite: pragma failed", "pragma", pragma, "err", err)
			continue
		}
		slog.Info("sqlite: pragma applied", "pragma", pragma, "value", value)
	}
	return nil
}

// applyPragma returns the pragma's reported value, or "ok" for pragmas that
// report nothing.
func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	err := db.QueryRowContext(ctx, pragma).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, err
		}
		return "ok", nil
	}
	return value, err
}
