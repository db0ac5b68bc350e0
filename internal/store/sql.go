package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const sessionColumns = `id, beacon_id, ip, ip_ext, hostname, username, process, pid,
	os, version, build, arch, timezone, day_prefix, tool, joined, exited`

const entryColumns = `id, session_id, ts, timezone, type, content, operator, technique`

// SQLStore implements Store over database/sql for any Dialect.
type SQLStore struct {
	conn    *sql.DB
	dialect Dialect
	opts    Options

	// mu serializes writes so that concurrent upserts of one natural key
	// see each other's rows.
	mu sync.Mutex
}

// OpenSQLite opens or creates a SQLite store at path.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLStore, error) {
	return openSQL(ctx, &SQLiteDialect{}, path, opts)
}

// OpenPostgres opens a PostgreSQL store. The database must already exist;
// tables are created when missing.
func OpenPostgres(ctx context.Context, connStr string, opts Options) (*SQLStore, error) {
	return openSQL(ctx, &PostgresDialect{}, connStr, opts)
}

func openSQL(ctx context.Context, d Dialect, dsn string, opts Options) (*SQLStore, error) {
	opts.withDefaults()

	conn, err := sql.Open(d.DriverName(), d.DSN(dsn, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLStore{conn: conn, dialect: d, opts: opts}
	if err := s.createSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range s.dialect.SchemaSQL() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.conn.ExecContext(ctx, s.dialect.Rebind(query), args...)
		return err
	})
	return res, err
}

// UpsertSession implements Store.
func (s *SQLStore) UpsertSession(ctx context.Context, sess *model.Session) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertSession(ctx, sess)
}

// SessionForAddress implements Store.
func (s *SQLStore) SessionForAddress(ctx context.Context, sess *model.Session) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.FindSessionByIP(ctx, sess.IP, sess.Hostname)
	switch {
	case err == nil:
		return found.ID, nil
	case !errors.Is(err, ErrNotFound):
		return 0, err
	}
	return s.upsertSession(ctx, sess)
}

// upsertSession must be called with s.mu held.
func (s *SQLStore) upsertSession(ctx context.Context, sess *model.Session) (int64, error) {
	key := sess.NaturalKey()

	id, err := s.sessionIDByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		_, err = s.exec(ctx, `INSERT INTO sessions (natural_key, beacon_id, day_prefix, tool)
			VALUES (?, ?, ?, ?) ON CONFLICT (natural_key) DO NOTHING`,
			key, sess.BeaconID, sess.DayPrefix, sess.Tool.String())
		if err != nil && !isUniqueViolation(err) {
			return 0, wrap(model.KindSession, "insert", err)
		}
		id, err = s.sessionIDByKey(ctx, key)
	}
	if err != nil {
		return 0, wrap(model.KindSession, "lookup", err)
	}

	if err := s.updateSession(ctx, id, sessionUpdate(sess)); err != nil {
		return 0, err
	}
	return id, nil
}

func sessionUpdate(s *model.Session) model.SessionUpdate {
	return model.SessionUpdate{
		IP:         s.IP,
		ExternalIP: s.ExternalIP,
		Hostname:   s.Hostname,
		User:       s.User,
		Process:    s.Process,
		PID:        s.PID,
		OS:         s.OS,
		Version:    s.Version,
		Build:      s.Build,
		Arch:       s.Arch,
		Timezone:   s.Timezone,
		Joined:     s.Joined,
		Exited:     s.Exited,
	}
}

func (s *SQLStore) sessionIDByKey(ctx context.Context, key string) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT id FROM sessions WHERE natural_key = ?`), key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// UpdateSession implements Store.
func (s *SQLStore) UpdateSession(ctx context.Context, id int64, u model.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSession(ctx, id, u)
}

func (s *SQLStore) updateSession(ctx context.Context, id int64, u model.SessionUpdate) error {
	if u.IsZero() {
		return nil
	}

	fill := []struct {
		column string
		value  string
	}{
		{"ip", u.IP},
		{"ip_ext", u.ExternalIP},
		{"hostname", u.Hostname},
		{"username", u.User},
		{"process", u.Process},
		{"pid", u.PID},
		{"os", u.OS},
		{"version", u.Version},
		{"build", u.Build},
		{"arch", u.Arch},
		{"timezone", u.Timezone},
	}

	var sets []string
	var args []any
	for _, f := range fill {
		if f.value == "" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%[1]s = CASE WHEN %[1]s = '' THEN ? ELSE %[1]s END", f.column))
		args = append(args, f.value)
	}
	if joined := model.FormatTime(u.Joined); joined != "" {
		sets = append(sets, "joined = CASE WHEN joined = '' OR joined > ? THEN ? ELSE joined END")
		args = append(args, joined, joined)
	}
	if exited := model.FormatTime(u.Exited); exited != "" {
		sets = append(sets, "exited = CASE WHEN exited = '' OR exited < ? THEN ? ELSE exited END")
		args = append(args, exited, exited)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.exec(ctx, "UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrap(model.KindSession, "update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession implements Store.
func (s *SQLStore) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	rows, err := s.conn.QueryContext(ctx,
		s.dialect.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	if err != nil {
		return nil, wrap(model.KindSession, "get", err)
	}
	return firstSession(rows)
}

// FindSessionByIP implements Store.
func (s *SQLStore) FindSessionByIP(ctx context.Context, ip, hostname string) (*model.Session, error) {
	if ip == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ip = ?
		ORDER BY CASE WHEN hostname = ? THEN 0 ELSE 1 END, id LIMIT 1`
	rows, err := s.conn.QueryContext(ctx, s.dialect.Rebind(query), ip, hostname)
	if err != nil {
		return nil, wrap(model.KindSession, "find", err)
	}
	return firstSession(rows)
}

// Sessions implements Store.
func (s *SQLStore) Sessions(ctx context.Context, f SessionFilter) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var where []string
	if f.Incomplete {
		where = append(where, "(hostname = '' OR joined = '' OR exited = '')")
	}
	if f.Complete {
		where = append(where, "(hostname <> '' AND joined <> '')")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY joined, id"

	rows, err := s.conn.QueryContext(ctx, s.dialect.Rebind(query))
	if err != nil {
		return nil, wrap(model.KindSession, "query", err)
	}
	sessions, err := scanSessions(rows)
	return sessions, wrap(model.KindSession, "scan", err)
}

// DeleteSessions implements Store.
func (s *SQLStore) DeleteSessions(ctx context.Context, ids []int64) (int64, error) {
	return s.deleteIDs(ctx, model.KindSession, "sessions", ids)
}

// DeleteEntries implements Store.
func (s *SQLStore) DeleteEntries(ctx context.Context, ids []int64) (int64, error) {
	return s.deleteIDs(ctx, model.KindEntry, "entries", ids)
}

func (s *SQLStore) deleteIDs(ctx context.Context, kind model.Kind, table string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		res, err := s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders), args...)
		if err != nil {
			return total, wrap(kind, "delete", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// UpsertEntry implements Store.
func (s *SQLStore) UpsertEntry(ctx context.Context, e *model.Entry) (int64, error) {
	if e.SessionID == 0 {
		return 0, &StoreError{Kind: model.KindEntry, Op: "upsert", Err: errors.New("entry has no session")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.dialect.Rebind(`INSERT INTO entries
		(session_id, ts, timezone, type, content, operator, technique)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ts, timezone, type, session_id) DO UPDATE SET
			content = excluded.content,
			operator = excluded.operator,
			technique = excluded.technique
		RETURNING id`)

	var id int64
	err := s.withRetry(ctx, func() error {
		return s.conn.QueryRowContext(ctx, query,
			e.SessionID, model.FormatTime(e.Timestamp), e.Timezone, e.Type.String(),
			e.Content, e.Operator, e.Technique).Scan(&id)
	})
	if err != nil {
		return 0, wrap(model.KindEntry, "upsert", err)
	}
	e.ID = id
	return id, nil
}

// UpdateEntryContent implements Store.
func (s *SQLStore) UpdateEntryContent(ctx context.Context, id int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `UPDATE entries SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return wrap(model.KindEntry, "update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Entries implements Store.
func (s *SQLStore) Entries(ctx context.Context, f EntryFilter) ([]*model.Entry, error) {
	var where []string
	var args []any

	if len(f.Types) > 0 {
		where = append(where, "type IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(f.Types)), ", ")+")")
		for _, t := range f.Types {
			args = append(args, t.String())
		}
	}
	if f.Contains != "" {
		where = append(where, s.dialect.ContainsSQL("content"))
		args = append(args, f.Contains)
	}
	if f.SessionID != 0 {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, model.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, model.FormatTime(f.Until))
	}

	query := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Descending {
		query += " ORDER BY ts DESC, id DESC"
	} else {
		query += " ORDER BY ts, id"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, wrap(model.KindEntry, "query", err)
	}
	entries, err := scanEntries(rows)
	return entries, wrap(model.KindEntry, "scan", err)
}

func (s *SQLStore) oneEntry(ctx context.Context, f EntryFilter) (*model.Entry, error) {
	f.Limit = 1
	entries, err := s.Entries(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// FirstMetadataEntry implements Store.
func (s *SQLStore) FirstMetadataEntry(ctx context.Context, sessionID int64) (*model.Entry, error) {
	return s.oneEntry(ctx, EntryFilter{SessionID: sessionID, Types: []model.EntryType{model.TypeMetadata}})
}

// FirstEntry implements Store.
func (s *SQLStore) FirstEntry(ctx context.Context, sessionID int64) (*model.Entry, error) {
	return s.oneEntry(ctx, EntryFilter{SessionID: sessionID})
}

// LastEntry implements Store.
func (s *SQLStore) LastEntry(ctx context.Context, sessionID int64) (*model.Entry, error) {
	return s.oneEntry(ctx, EntryFilter{SessionID: sessionID, Descending: true})
}

// Counts implements Store.
func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	c := Counts{ByType: make(map[model.EntryType]int64)}

	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&c.Sessions); err != nil {
		return c, wrap(model.KindSession, "count", err)
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT type, COUNT(*) FROM entries GROUP BY type`)
	if err != nil {
		return c, wrap(model.KindEntry, "count", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return c, wrap(model.KindEntry, "count", err)
		}
		c.ByType[model.ParseType(typ)] += n
		c.Entries += n
	}
	return c, wrap(model.KindEntry, "count", rows.Err())
}

func firstSession(rows *sql.Rows) (*model.Session, error) {
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, wrap(model.KindSession, "scan", err)
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

func scanSessions(rows *sql.Rows) ([]*model.Session, error) {
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		var sess model.Session
		var tool, joined, exited string
		if err := rows.Scan(&sess.ID, &sess.BeaconID, &sess.IP, &sess.ExternalIP,
			&sess.Hostname, &sess.User, &sess.Process, &sess.PID, &sess.OS,
			&sess.Version, &sess.Build, &sess.Arch, &sess.Timezone, &sess.DayPrefix,
			&tool, &joined, &exited); err != nil {
			return nil, err
		}
		if tool == model.ToolBruteRatel.String() {
			sess.Tool = model.ToolBruteRatel
		}
		var err error
		if sess.Joined, err = model.ParseTime(joined); err != nil {
			return nil, fmt.Errorf("session %d joined: %w", sess.ID, err)
		}
		if sess.Exited, err = model.ParseTime(exited); err != nil {
			return nil, fmt.Errorf("session %d exited: %w", sess.ID, err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]*model.Entry, error) {
	defer rows.Close()

	var entries []*model.Entry
	for rows.Next() {
		var e model.Entry
		var ts, typ string
		if err := rows.Scan(&e.ID, &e.SessionID, &ts, &e.Timezone, &typ,
			&e.Content, &e.Operator, &e.Technique); err != nil {
			return nil, err
		}
		t, err := model.ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("entry %d timestamp: %w", e.ID, err)
		}
		e.Timestamp = t
		e.Type = model.ParseType(typ)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
