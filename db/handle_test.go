package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipnote/capsync/encoding"
)

const captionSchema = `
CREATE TABLE captions (
	id       INTEGER PRIMARY KEY,
	text     TEXT,
	state    TEXT,
	start_ms INTEGER,
	end_ms   INTEGER
);
`

// notes has a single data column, so one insert captures exactly one change.
const noteSchema = `
CREATE TABLE notes (
	id   INTEGER PRIMARY KEY,
	text TEXT
);
`

func openTestHandle(t *testing.T, snapshot []byte) *Handle {
	t.Helper()
	h, err := Open(Config{
		Entity:        "video-1",
		Database:      "captions",
		Snapshot:      snapshot,
		Bootstrap:     captionSchema,
		TrackedTables: []string{"captions"},
		DataDir:       t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestOpen_Fresh(t *testing.T) {
	h := openTestHandle(t, nil)

	require.Equal(t, int64(0), h.Version())
	require.NotEmpty(t, h.SiteID())
	require.NotEqual(t, "0", h.SiteID())
}

func TestOpen_BadSnapshot(t *testing.T) {
	_, err := Open(Config{
		Entity:   "video-1",
		Database: "captions",
		Snapshot: []byte("definitely not a database image"),
		DataDir:  t.TempDir(),
	})

	var corrupt *DataCorruptionError
	require.ErrorAs(t, err, &corrupt)
}

func TestOpen_CompositePKRejected(t *testing.T) {
	_, err := Open(Config{
		Entity:        "video-1",
		Database:      "captions",
		Bootstrap:     "CREATE TABLE pairs (a INTEGER, b INTEGER, v TEXT, PRIMARY KEY (a, b));",
		TrackedTables: []string{"pairs"},
		DataDir:       t.TempDir(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exactly one primary key")
}

func TestExec_CapturesChanges(t *testing.T) {
	h := openTestHandle(t, nil)

	affected, err := h.Exec(
		"INSERT INTO captions (id, text, state, start_ms, end_ms) VALUES (?, ?, ?, ?, ?)",
		1, "hello", "pending", 0, 1500)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)
	require.Equal(t, int64(1), h.Version())

	changes, err := h.GetChangesSince(0)
	require.NoError(t, err)
	require.Len(t, changes, 4) // one per data column

	for _, c := range changes {
		require.Equal(t, "captions", c.Table)
		require.Equal(t, int64(1), c.DatabaseVersion)
		require.Equal(t, h.SiteID(), c.SiteID)
		require.Equal(t, int64(1), c.CausalLength)
	}
}

func TestExec_UpdateCapturesOnlyChangedColumns(t *testing.T) {
	h := openTestHandle(t, nil)

	_, err := h.Exec(
		"INSERT INTO captions (id, text, state, start_ms, end_ms) VALUES (1, 'a', 'pending', 0, 100)")
	require.NoError(t, err)

	before := h.Version()
	_, err = h.Exec("UPDATE captions SET text = 'b' WHERE id = 1")
	require.NoError(t, err)

	changes, err := h.GetChangesSince(before)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "text", changes[0].ColumnID)
	require.Equal(t, int64(2), changes[0].ColumnVersion)
}

func TestGetChangesSince_Ordering(t *testing.T) {
	h := openTestHandle(t, nil)

	_, err := h.Exec("INSERT INTO captions (id, text, state, start_ms, end_ms) VALUES (1, 'a', 'p', 0, 1)")
	require.NoError(t, err)
	_, err = h.Exec("UPDATE captions SET text = 'b' WHERE id = 1")
	require.NoError(t, err)
	_, err = h.Exec("UPDATE captions SET state = 'done' WHERE id = 1")
	require.NoError(t, err)

	changes, err := h.GetChangesSince(0)
	require.NoError(t, err)
	require.NotEmpty(t, changes)

	for i := 1; i < len(changes); i++ {
		prev, cur := changes[i-1], changes[i]
		inOrder := prev.DatabaseVersion < cur.DatabaseVersion ||
			(prev.DatabaseVersion == cur.DatabaseVersion && prev.Sequence < cur.Sequence)
		require.True(t, inOrder, "changes out of order at %d", i)
	}
}

func TestVersion_Monotonic(t *testing.T) {
	h := openTestHandle(t, nil)

	last := h.Version()
	statements := []string{
		"INSERT INTO captions (id, text, state, start_ms, end_ms) VALUES (1, 'a', 'p', 0, 1)",
		"UPDATE captions SET text = 'b' WHERE id = 1",
		"SELECT * FROM captions",
		"UPDATE captions SET text = 'c' WHERE id = 1",
		"DELETE FROM captions WHERE id = 1",
	}
	for _, stmt := range statements {
		if Classify(stmt) == ClassRead {
			_, err := h.Query(stmt)
			require.NoError(t, err)
		} else {
			_, err := h.Exec(stmt)
			require.NoError(t, err)
		}
		require.GreaterOrEqual(t, h.Version(), last)
		last = h.Version()
	}
}

func TestQuery_ColumnsAndRows(t *testing.T) {
	h := openTestHandle(t, nil)

	_, err := h.Exec("INSERT INTO captions (id, text, state, start_ms, end_ms) VALUES (1, 'a', 'p', 0, 1)")
	require.NoError(t, err)

	res, err := h.Query("SELECT id, text FROM captions WHERE id = ?", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"id", "text"}, res.Columns)
	require.Len(t, res.Rows, 1)
	require.Equal(t, int64(1), res.Rows[0]["id"])
	require.Equal(t, "a", res.Rows[0]["text"])
}

func TestQuery_ErrorCarriesTruncatedSQL(t *testing.T) {
	h := openTestHandle(t, nil)

	_, err := h.Query("SELECT nope FROM missing_table")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	require.Contains(t, qe.SQL, "missing_table")
	require.LessOrEqual(t, len(qe.SQL), maxSQLInError+3)
}

func TestClose_Idempotent(t *testing.T) {
	h := openTestHandle(t, nil)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err := h.Query("SELECT 1")
	require.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = h.Exec("INSERT INTO captions (id) VALUES (9)")
	require.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = h.GetChangesSince(0)
	require.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = h.ApplyChanges(nil)
	require.ErrorIs(t, err, ErrDatabaseClosed)
}

func TestSnapshot_ReopenSkipsReinit(t *testing.T) {
	h := openTestHandle(t, nil)
	_, err := h.Exec("INSERT INTO captions (id, text, state, start_ms, end_ms) VALUES (1, 'a', 'p', 0, 1)")
	require.NoError(t, err)

	siteID := h.SiteID()
	version := h.Version()

	snapshot, err := h.Snapshot()
	require.NoError(t, err)
	require.NoError(t, h.Close())

	reopened := openTestHandle(t, snapshot)
	require.Equal(t, siteID, reopened.SiteID())
	require.Equal(t, version, reopened.Version())

	changes, err := reopened.GetChangesSince(0)
	require.NoError(t, err)
	require.Len(t, changes, 4)
}

func TestRegistry_OneHandlePerPair(t *testing.T) {
	registry := NewRegistry()

	open := func() (*Handle, error) {
		return Open(Config{
			Entity:        "video-1",
			Database:      "captions",
			Bootstrap:     captionSchema,
			TrackedTables: []string{"captions"},
			DataDir:       t.TempDir(),
			Registry:      registry,
		})
	}

	first, err := open()
	require.NoError(t, err)

	_, err = open()
	require.Error(t, err)
	require.Contains(t, err.Error(), "already open")

	require.NoError(t, first.Close())

	second, err := open()
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestRegistry_SweepClosesLeaks(t *testing.T) {
	registry := NewRegistry()

	h, err := Open(Config{
		Entity:        "video-2",
		Database:      "captions",
		Bootstrap:     captionSchema,
		TrackedTables: []string{"captions"},
		DataDir:       t.TempDir(),
		Registry:      registry,
	})
	require.NoError(t, err)

	require.Equal(t, 1, registry.Sweep())
	_, err = h.Query("SELECT 1")
	require.ErrorIs(t, err, ErrDatabaseClosed)
	require.Equal(t, 0, registry.Sweep())
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassRead, Classify("SELECT * FROM captions"))
	require.Equal(t, ClassMutation, Classify("INSERT INTO captions (id) VALUES (1)"))
	require.Equal(t, ClassMutation, Classify("UPDATE captions SET text = 'x'"))
	require.Equal(t, ClassMutation, Classify("DELETE FROM captions"))
	require.Equal(t, ClassMutation, Classify("garbage statement ???"))
	require.Equal(t, ClassOther, Classify("CREATE TABLE t (id INTEGER PRIMARY KEY)"))
}

func TestEncodePrimaryKeyRoundTrip(t *testing.T) {
	for _, v := range []interface{}{int64(7), "cap-9"} {
		data, err := encodePrimaryKey(v)
		require.NoError(t, err)
		got, err := decodePrimaryKey(data)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestValueEncodingMatchesWire(t *testing.T) {
	data, err := encoding.MarshalValue("hello")
	require.NoError(t, err)
	v, err := decodeWireValue(data)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestOpen_TruncatedSnapshot(t *testing.T) {
	_, err := Open(Config{
		Entity:   "video-1",
		Database: "captions",
		Snapshot: []byte("SQLite"),
		DataDir:  t.TempDir(),
	})
	require.True(t, errors.As(err, new(*DataCorruptionError)))
}
