package store

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// SQLite result codes (primary code in the low byte).
const (
	sqliteBusy             = 5
	sqliteLocked           = 6
	sqliteConstraintUnique = 2067
	sqliteConstraintPK     = 1555
)

// withRetry runs op, retrying with exponential backoff while the database
// reports it is busy. Any other error ends the loop immediately.
func (s *SQLStore) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = s.opts.BusyTimeout

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			s.opts.Logger.WithField("attempt", attempt).WithError(err).Debug("database busy, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxRetries)), ctx))
}

// coded matches the modernc sqlite error type.
type coded interface {
	Code() int
}

func isBusy(err error) bool {
	var c coded
	if errors.As(err, &c) {
		primary := c.Code() & 0xff
		return primary == sqliteBusy || primary == sqliteLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var c coded
	if errors.As(err, &c) {
		return c.Code() == sqliteConstraintUnique || c.Code() == sqliteConstraintPK
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
