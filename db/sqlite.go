package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retry runs op until it succeeds, fails with something other than
// SQLITE_BUSY, or runs out of attempts.
func retry(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if !isBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (db *Db) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := db.execResult(ctx, query, args...)
	return err
}

func (db *Db) execResult(ctx context.Context, query string, args ...interface{}) (res sql.Result, err error) {
	err = retry(ctx, func() error {
		var execErr error
		res, execErr = db.sql.ExecContext(ctx, query, args...)
		return execErr
	})
	return
}

func (db *Db) queryRow(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	return retry(ctx, func() error {
		return db.sql.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}
