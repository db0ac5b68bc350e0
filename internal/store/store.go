// Package store persists sessions and entries with upsert-by-natural-key
// semantics. SQLite (modernc) is the default backend; PostgreSQL is
// available through pgx for shared engagement databases.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

// StoreError reports a persistence failure for one entity kind.
type StoreError struct {
	Kind model.Kind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(kind model.Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// EntryFilter selects entries. Zero fields do not filter. Results are
// ordered by timestamp then id.
type EntryFilter struct {
	Types      []model.EntryType
	Contains   string
	SessionID  int64
	Since      time.Time
	Until      time.Time
	Descending bool
	Limit      int
}

// SessionFilter selects sessions ordered by joined time then id.
type SessionFilter struct {
	// Incomplete selects sessions missing hostname, joined or exited.
	Incomplete bool
	// Complete selects sessions with a hostname and a joined time.
	Complete bool
}

// Counts summarizes the store contents.
type Counts struct {
	Sessions int64
	Entries  int64
	ByType   map[model.EntryType]int64
}

// Store is the normalized two-entity store.
type Store interface {
	// UpsertSession creates the session if no row has its natural key yet,
	// merges its descriptive fields into the row and returns the row id.
	UpsertSession(ctx context.Context, s *model.Session) (int64, error)
	// UpdateSession fills empty descriptive fields and widens the
	// joined/exited window.
	UpdateSession(ctx context.Context, id int64, u model.SessionUpdate) error
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	// FindSessionByIP returns the earliest session with the given internal
	// IP, preferring one whose hostname matches when hostname is set.
	FindSessionByIP(ctx context.Context, ip, hostname string) (*model.Session, error)
	// SessionForAddress returns the session FindSessionByIP would pick for
	// s.IP and s.Hostname, creating s when there is none. The lookup and
	// the insert happen under one write lock.
	SessionForAddress(ctx context.Context, s *model.Session) (int64, error)
	Sessions(ctx context.Context, f SessionFilter) ([]*model.Session, error)
	// DeleteSessions removes sessions and, by cascade, their entries.
	DeleteSessions(ctx context.Context, ids []int64) (int64, error)

	// UpsertEntry inserts the entry or, when its natural key exists,
	// overwrites content, operator and technique. It returns the row id.
	UpsertEntry(ctx context.Context, e *model.Entry) (int64, error)
	UpdateEntryContent(ctx context.Context, id int64, content string) error
	Entries(ctx context.Context, f EntryFilter) ([]*model.Entry, error)
	FirstMetadataEntry(ctx context.Context, sessionID int64) (*model.Entry, error)
	FirstEntry(ctx context.Context, sessionID int64) (*model.Entry, error)
	LastEntry(ctx context.Context, sessionID int64) (*model.Entry, error)
	DeleteEntries(ctx context.Context, ids []int64) (int64, error)

	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Options tunes a store.
type Options struct {
	// BusyTimeout bounds retries of writes that hit a locked database.
	BusyTimeout time.Duration
	MaxRetries  int
	Logger      logrus.FieldLogger
}

func (o *Options) withDefaults() {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = l
	}
}

// Open opens (creating when needed) a store using the named driver. For
// sqlite dsn is a file path; for postgres it is a connection string.
func Open(ctx context.Context, driver, dsn string, opts Options) (Store, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(ctx, dsn, opts)
	case "postgres":
		return OpenPostgres(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}
