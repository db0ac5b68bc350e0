package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func createTestDB(t *testing.T) *SQLStore {
	t.Helper()
	db, err := OpenSQLite(context.Background(), tempDBPath(t), Options{})
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

func addSession(t *testing.T, db *SQLStore, beaconID string) int64 {
	t.Helper()
	id, err := db.UpsertSession(context.Background(), &model.Session{BeaconID: beaconID, DayPrefix: "230601"})
	require.NoError(t, err)
	return id
}

func addEntry(t *testing.T, db *SQLStore, sessionID int64, offset time.Duration, typ model.EntryType, content string) *model.Entry {
	t.Helper()
	e := &model.Entry{
		SessionID: sessionID,
		Timestamp: base.Add(offset),
		Timezone:  "UTC",
		Type:      typ,
		Content:   content,
	}
	_, err := db.UpsertEntry(context.Background(), e)
	require.NoError(t, err)
	return e
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x", Options{})
	assert.Error(t, err)
}

func TestCreateAndReopen(t *testing.T) {
	ctx := context.Background()
	path := tempDBPath(t)

	db, err := Open(ctx, "sqlite", path, Options{})
	require.NoError(t, err)
	id, err := db.UpsertSession(ctx, &model.Session{BeaconID: "4242"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, "sqlite", path, Options{})
	require.NoError(t, err)
	defer db.Close()

	sess, err := db.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "4242", sess.BeaconID)
}

func TestUpsertSessionIsIdempotent(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	first := addSession(t, db, "4242")
	second := addSession(t, db, "4242")
	assert.Equal(t, first, second)

	other := addSession(t, db, "4243")
	assert.NotEqual(t, first, other)

	counts, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Sessions)
}

func TestUpsertSessionConcurrent(t *testing.T) {
	db := createTestDB(t)

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := db.UpsertSession(context.Background(), &model.Session{BeaconID: "4242", IP: "10.0.0.5"})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	sessions, err := db.Sessions(context.Background(), SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestUpdateSessionFirstWriteWins(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	id := addSession(t, db, "4242")

	require.NoError(t, db.UpdateSession(ctx, id, model.SessionUpdate{
		Hostname: "WS01",
		User:     "bob",
		Process:  "rundll32.exe",
		Joined:   base.Add(time.Minute),
		Exited:   base.Add(time.Minute),
	}))
	require.NoError(t, db.UpdateSession(ctx, id, model.SessionUpdate{
		Hostname: "WS99",
		User:     "mallory",
		OS:       "Windows",
		Joined:   base,
		Exited:   base.Add(time.Hour),
	}))
	// An earlier exit must not move the end backwards.
	require.NoError(t, db.UpdateSession(ctx, id, model.SessionUpdate{Exited: base.Add(2 * time.Minute)}))

	sess, err := db.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "WS01", sess.Hostname)
	assert.Equal(t, "bob", sess.User)
	assert.Equal(t, "rundll32.exe", sess.Process)
	assert.Equal(t, "Windows", sess.OS)
	assert.True(t, sess.Joined.Equal(base), "joined = %v", sess.Joined)
	assert.True(t, sess.Exited.Equal(base.Add(time.Hour)), "exited = %v", sess.Exited)

	assert.ErrorIs(t, db.UpdateSession(ctx, 9999, model.SessionUpdate{Hostname: "x"}), ErrNotFound)
	assert.NoError(t, db.UpdateSession(ctx, 9999, model.SessionUpdate{}))
}

func TestPartialSessionKey(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	partial := &model.Session{IP: "10.0.0.9", User: "alice", Joined: base}
	id1, err := db.UpsertSession(ctx, partial)
	require.NoError(t, err)
	id2, err := db.UpsertSession(ctx, &model.Session{IP: "10.0.0.9", User: "alice", Joined: base})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	found, err := db.FindSessionByIP(ctx, "10.0.0.9", "")
	require.NoError(t, err)
	assert.Equal(t, id1, found.ID)
	assert.Equal(t, "alice", found.User)

	_, err = db.FindSessionByIP(ctx, "10.0.0.10", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.FindSessionByIP(ctx, "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindSessionByIPPrefersHostname(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertSession(ctx, &model.Session{BeaconID: "1", IP: "10.0.0.5", Hostname: "WS01"})
	require.NoError(t, err)
	want, err := db.UpsertSession(ctx, &model.Session{BeaconID: "2", IP: "10.0.0.5", Hostname: "WS02"})
	require.NoError(t, err)

	got, err := db.FindSessionByIP(ctx, "10.0.0.5", "WS02")
	require.NoError(t, err)
	assert.Equal(t, want, got.ID)
}

func TestUpsertEntryOverwritesMutableFields(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	sid := addSession(t, db, "4242")

	e := addEntry(t, db, sid, 0, model.TypeInput, "whoami")
	firstID := e.ID

	again := &model.Entry{
		SessionID: sid,
		Timestamp: base,
		Timezone:  "UTC",
		Type:      model.TypeInput,
		Content:   "whoami /all",
		Operator:  "alice",
	}
	id, err := db.UpsertEntry(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, firstID, id)

	entries, err := db.Entries(ctx, EntryFilter{SessionID: sid})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "whoami /all", entries[0].Content)
	assert.Equal(t, "alice", entries[0].Operator)

	// Same instant, different type is a different natural key.
	addEntry(t, db, sid, 0, model.TypeOutput, "CORP\\bob")
	entries, err = db.Entries(ctx, EntryFilter{SessionID: sid})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = db.UpsertEntry(ctx, &model.Entry{Timestamp: base, Type: model.TypeInput})
	var storeErr *StoreError
	assert.True(t, errors.As(err, &storeErr))
}

func TestEntryQueries(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	sid := addSession(t, db, "4242")
	other := addSession(t, db, "7")

	addEntry(t, db, sid, 2*time.Second, model.TypeInput, "shell whoami")
	addEntry(t, db, sid, 0, model.TypeMetadata, "first metadata")
	addEntry(t, db, sid, 5*time.Second, model.TypeMetadata, "second metadata")
	addEntry(t, db, sid, 3*time.Second, model.TypeOutput, "CORP\\bob")
	addEntry(t, db, sid, 9*time.Second, model.TypeCheckin, "host called home")
	addEntry(t, db, other, time.Second, model.TypeInput, "Shell ipconfig")

	inputs, err := db.Entries(ctx, EntryFilter{Types: []model.EntryType{model.TypeInput}})
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "Shell ipconfig", inputs[0].Content, "ordered by timestamp")

	shells, err := db.Entries(ctx, EntryFilter{Types: []model.EntryType{model.TypeInput}, Contains: "shell"})
	require.NoError(t, err)
	require.Len(t, shells, 1, "substring match is case-sensitive")
	assert.Equal(t, "shell whoami", shells[0].Content)

	meta, err := db.FirstMetadataEntry(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "first metadata", meta.Content)

	last, err := db.LastEntry(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, model.TypeCheckin, last.Type)

	first, err := db.FirstEntry(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, model.TypeMetadata, first.Type)

	window, err := db.Entries(ctx, EntryFilter{SessionID: sid, Since: base.Add(2 * time.Second), Until: base.Add(5 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, window, 3)

	_, err = db.FirstMetadataEntry(ctx, other)
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), counts.Entries)
	assert.Equal(t, int64(2), counts.ByType[model.TypeMetadata])
}

func TestUpdateEntryContent(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	sid := addSession(t, db, "4242")
	e := addEntry(t, db, sid, 0, model.TypeInput, "net user bob Secret123")

	require.NoError(t, db.UpdateEntryContent(ctx, e.ID, "net user bob [REDACTED]"))
	entries, err := db.Entries(ctx, EntryFilter{SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, "net user bob [REDACTED]", entries[0].Content)

	assert.ErrorIs(t, db.UpdateEntryContent(ctx, 9999, "x"), ErrNotFound)
}

func TestDeleteSessionsCascades(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	doomed := addSession(t, db, "4242")
	kept := addSession(t, db, "7")

	addEntry(t, db, doomed, 0, model.TypeInput, "whoami")
	addEntry(t, db, doomed, time.Second, model.TypeOutput, "CORP\\bob")
	addEntry(t, db, kept, 0, model.TypeInput, "hostname")

	n, err := db.DeleteSessions(ctx, []int64{doomed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := db.Entries(ctx, EntryFilter{SessionID: doomed})
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = db.GetSession(ctx, doomed)
	assert.ErrorIs(t, err, ErrNotFound)

	remaining, err := db.Entries(ctx, EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	n, err = db.DeleteSessions(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteEntries(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	sid := addSession(t, db, "4242")

	var ids []int64
	for i := 0; i < 600; i++ {
		e := addEntry(t, db, sid, time.Duration(i)*time.Microsecond, model.TypeCheckin, "host called home")
		ids = append(ids, e.ID)
	}
	n, err := db.DeleteEntries(ctx, ids[:550])
	require.NoError(t, err)
	assert.Equal(t, int64(550), n)

	entries, err := db.Entries(ctx, EntryFilter{SessionID: sid})
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

func TestSessionFilters(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	complete, err := db.UpsertSession(ctx, &model.Session{BeaconID: "1", Hostname: "WS01", Joined: base, Exited: base})
	require.NoError(t, err)
	incomplete := addSession(t, db, "2")

	got, err := db.Sessions(ctx, SessionFilter{Incomplete: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, incomplete, got[0].ID)

	got, err = db.Sessions(ctx, SessionFilter{Complete: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, complete, got[0].ID)
	assert.Equal(t, model.ToolCobaltStrike, got[0].Tool)
}

func TestPostgresRebind(t *testing.T) {
	d := &PostgresDialect{}
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)",
		d.Rebind("SELECT a FROM t WHERE b = ? AND c IN (?, ?)"))
	assert.Equal(t, "strpos(content, ?) > 0", d.ContainsSQL("content"))

	s := &SQLiteDialect{}
	assert.Equal(t, "SELECT ?", s.Rebind("SELECT ?"))
	assert.Contains(t, s.DSN("x.db", 2*time.Second), "busy_timeout(2000)")
	assert.Contains(t, s.DSN("x.db", 2*time.Second), "foreign_keys(1)")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: sessions.natural_key (2067)")))
	assert.False(t, isUniqueViolation(errors.New("disk I/O error")))
	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(errors.New("no such table")))
}

func TestSessionForAddressConcurrent(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct users and times give distinct natural keys, so only
			// the lock keeps these from becoming separate sessions.
			ids[i], errs[i] = db.SessionForAddress(ctx, &model.Session{
				IP:     "10.1.0.9",
				User:   "carol",
				Joined: base.Add(time.Duration(i) * time.Minute),
			})
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	sessions, err := db.Sessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionForAddressReusesTranscriptSession(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	want, err := db.UpsertSession(ctx, &model.Session{BeaconID: "4242", IP: "10.0.0.5", Hostname: "WS01"})
	require.NoError(t, err)

	got, err := db.SessionForAddress(ctx, &model.Session{IP: "10.0.0.5", User: "bob", Joined: base})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
