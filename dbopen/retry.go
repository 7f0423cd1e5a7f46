package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

var busyMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
	"database table is locked",
}

// IsBusy reports whether err indicates an SQLite BUSY condition. The
// modernc driver surfaces these as text, not sentinel errors.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range busyMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryBusy runs attempt up to busyRetries times, backing off 100/200 ms
// between tries. Non-busy errors return immediately.
func retryBusy(ctx context.Context, op string, attempt func() error) error {
	for try := 1; ; try++ {
		err := attempt()
		if err == nil || !IsBusy(err) || try == busyRetries {
			return err
		}
		if serr := sleepCtx(ctx, time.Duration(try)*busyBackoff); serr != nil {
			return fmt.Errorf("dbopen: %s: cancelled during busy retry: %w", op, serr)
		}
	}
}

// RunTx executes fn inside a transaction with automatic retry on
// SQLITE_BUSY. fn may run multiple times; keep it side-effect free outside
// the transaction.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "RunTx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec executes a statement with automatic retry on SQLITE_BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, "Exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
