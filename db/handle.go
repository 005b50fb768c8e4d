package db

import (
	"bytes"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/encoding"
	"github.com/clipnote/capsync/protocol"
	"github.com/clipnote/capsync/telemetry"
)

// snapshotHeader is the 16-byte magic every SQLite database file starts with.
var snapshotHeader = []byte("SQLite format 3\x00")

var dialect = goqu.Dialect("sqlite3")

// Config describes how to open a handle.
type Config struct {
	Entity   string
	Database string

	// Snapshot is the full database image to load. Empty means a fresh
	// database bootstrapped from Bootstrap.
	Snapshot []byte

	// Bootstrap is DDL executed once on a fresh database.
	Bootstrap string

	// TrackedTables lists the domain tables change tracking covers.
	TrackedTables []string

	// DataDir is where the snapshot is materialized.
	DataDir string

	// Registry enforces the one-handle-per-pair policy. Optional; a nil
	// registry skips enforcement (tests).
	Registry *Registry
}

// QueryResult carries the output of a read statement.
type QueryResult struct {
	Columns []string
	Rows    []map[string]interface{}
}

// Handle owns exactly one SQLite connection for one (entity, database)
// pair. All operations serialize on an internal mutex; the handle is never
// shared across entities.
type Handle struct {
	entity   string
	database string
	path     string

	mu      sync.Mutex
	conn    *sql.DB
	closed  bool
	version int64
	siteID  string

	tracked []string
	schemas *SchemaCache
	seen    *SeenFilter

	registry *Registry
}

// Open materializes the snapshot, bootstraps change tracking (idempotent)
// and derives version and site id. On failure to read the metadata the
// handle degrades to a zeroed site id and version 0 instead of failing.
func Open(config Config) (*Handle, error) {
	if len(config.Snapshot) > 0 {
		if len(config.Snapshot) < len(snapshotHeader) ||
			!bytes.Equal(config.Snapshot[:len(snapshotHeader)], snapshotHeader) {
			return nil, &DataCorruptionError{Reason: "bad format header"}
		}
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, &InitError{Stage: "data dir", Err: err}
	}
	path := filepath.Join(config.DataDir,
		fmt.Sprintf("%s-%s-%d.db", config.Entity, config.Database, time.Now().UnixNano()))
	if err := os.WriteFile(path, config.Snapshot, 0644); err != nil {
		return nil, &InitError{Stage: "materialize snapshot", Err: err}
	}

	conn, err := sql.Open(SQLiteDriverName, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		_ = os.Remove(path)
		return nil, &InitError{Stage: "open", Err: err}
	}
	// One connection: the capture triggers read session-scoped meta state.
	conn.SetMaxOpenConns(1)

	h := &Handle{
		entity:   config.Entity,
		database: config.Database,
		path:     path,
		conn:     conn,
		tracked:  append([]string(nil), config.TrackedTables...),
		seen:     NewSeenFilter(),
		registry: config.Registry,
	}

	h.schemas, err = NewSchemaCache()
	if err != nil {
		h.discard()
		return nil, &InitError{Stage: "schema cache", Err: err}
	}

	if len(config.Snapshot) == 0 && config.Bootstrap != "" {
		if _, err := conn.Exec(config.Bootstrap); err != nil {
			h.discard()
			return nil, &InitError{Stage: "bootstrap", Err: err}
		}
	}

	if err := h.initTracking(); err != nil {
		h.discard()
		return nil, err
	}

	if err := h.refreshMeta(); err != nil {
		// Degraded but usable: zeroed identity, version 0.
		log.Warn().Err(err).
			Str("entity", config.Entity).
			Str("database", config.Database).
			Msg("Failed to read sync metadata, using zeroed site id")
		h.version = 0
		h.siteID = "0"
	}

	if err := h.seedSeenFilter(); err != nil {
		h.discard()
		return nil, &InitError{Stage: "seed filter", Err: err}
	}

	if h.registry != nil {
		if err := h.registry.register(h); err != nil {
			h.discard()
			return nil, err
		}
	}

	log.Debug().
		Str("entity", config.Entity).
		Str("database", config.Database).
		Str("site_id", h.siteID).
		Int64("version", h.version).
		Msg("Database handle opened")

	return h, nil
}

// discard releases resources for a handle that never finished opening.
func (h *Handle) discard() {
	_ = h.conn.Close()
	_ = os.Remove(h.path)
}

// initTracking creates the change log, meta row and capture triggers.
// Detects prior initialization by probing for the change table; trigger
// creation is IF NOT EXISTS either way, so re-opening is a no-op.
func (h *Handle) initTracking() error {
	initialized, err := trackingInitialized(h.conn)
	if err != nil {
		return &InitError{Stage: "probe", Err: err}
	}

	if !initialized {
		if _, err := h.conn.Exec(changeTrackingSchema); err != nil {
			return &InitError{Stage: "change schema", Err: err}
		}
		siteID, err := generateSiteID()
		if err != nil {
			return &InitError{Stage: "site id", Err: err}
		}
		if _, err := h.conn.Exec(
			"INSERT INTO "+metaTable+" (rowid_guard, site_id, version, apply_in_progress) VALUES (1, ?, 0, 0)",
			siteID); err != nil {
			return &InitError{Stage: "meta row", Err: err}
		}
	} else {
		// A fresh session must never see a stale in-progress marker from a
		// snapshot taken mid-apply.
		if _, err := h.conn.Exec("UPDATE " + metaTable + " SET apply_in_progress = 0"); err != nil {
			return &InitError{Stage: "meta reset", Err: err}
		}
	}

	for _, table := range h.tracked {
		schema, err := h.schemas.Load(h.conn, table)
		if err != nil {
			return &InitError{Stage: "tracked table", Err: err}
		}
		triggers, err := buildCaptureTriggers(table, schema)
		if err != nil {
			return &InitError{Stage: "triggers", Err: err}
		}
		if _, err := h.conn.Exec(triggers); err != nil {
			return &InitError{Stage: "triggers", Err: err}
		}
	}

	return nil
}

func generateSiteID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// refreshMeta re-reads version and site id from the engine.
func (h *Handle) refreshMeta() error {
	row := h.conn.QueryRow("SELECT site_id, version FROM " + metaTable)
	return row.Scan(&h.siteID, &h.version)
}

// seedSeenFilter loads every recorded cell into the applied-change filter.
// The filter must never report a false negative for a recorded cell.
func (h *Handle) seedSeenFilter() error {
	rows, err := h.conn.Query("SELECT DISTINCT tbl, pk, col FROM " + changesTable)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tbl, col string
			pk       interface{}
		)
		if err := rows.Scan(&tbl, &pk, &col); err != nil {
			return err
		}
		pkBytes, err := encodePrimaryKey(pk)
		if err != nil {
			return err
		}
		c := protocol.ChangeRecord{Table: tbl, PrimaryKey: pkBytes, ColumnID: col}
		h.seen.Add(c.CellHash())
	}
	return rows.Err()
}

// Version returns the current database version.
func (h *Handle) Version() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// SiteID returns the stable site identifier of this replica.
func (h *Handle) SiteID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.siteID
}

// Entity returns the owning entity id.
func (h *Handle) Entity() string { return h.entity }

// Database returns the logical database name.
func (h *Handle) Database() string { return h.database }

// Exec runs one mutating statement and returns the affected row count.
// Capture triggers record per-column changes; the database version advances
// once per mutating statement.
func (h *Handle) Exec(sqlText string, params ...interface{}) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrDatabaseClosed
	}

	tx, err := h.conn.Begin()
	if err != nil {
		return 0, NewQueryError(sqlText, err)
	}

	res, err := tx.Exec(sqlText, params...)
	if err != nil {
		_ = tx.Rollback()
		return 0, NewQueryError(sqlText, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, NewQueryError(sqlText, err)
	}

	if affected > 0 && Classify(sqlText) == ClassMutation {
		if _, err := tx.Exec("UPDATE " + metaTable + " SET version = version + 1"); err != nil {
			_ = tx.Rollback()
			return 0, NewQueryError(sqlText, err)
		}
		h.countCaptured(tx)
	}

	if err := tx.Commit(); err != nil {
		return 0, NewQueryError(sqlText, err)
	}

	if err := h.refreshMeta(); err != nil {
		log.Warn().Err(err).Msg("Failed to refresh sync metadata after exec")
	}

	return affected, nil
}

// countCaptured records how many change rows the triggers wrote for the
// statement that just bumped the version. Metric only, never fails the exec.
func (h *Handle) countCaptured(tx *sql.Tx) {
	rows, err := tx.Query("SELECT tbl, COUNT(*) FROM " + changesTable +
		" WHERE db_version = (SELECT version FROM " + metaTable + ") GROUP BY tbl")
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var table string
		var captured int64
		if rows.Scan(&table, &captured) == nil {
			telemetry.ChangesCapturedTotal.With(table).Add(float64(captured))
		}
	}
}

// Query runs one read statement and returns column names plus row objects.
func (h *Handle) Query(sqlText string, params ...interface{}) (*QueryResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrDatabaseClosed
	}

	rows, err := h.conn.Query(sqlText, params...)
	if err != nil {
		return nil, NewQueryError(sqlText, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, NewQueryError(sqlText, err)
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, NewQueryError(sqlText, err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(sqlText, err)
	}

	return result, nil
}

// GetChangesSince returns all changes with a database version greater than
// version, ordered by (db_version, sequence). Callers replaying changes
// elsewhere rely on this order for causal consistency.
func (h *Handle) GetChangesSince(version int64) ([]protocol.ChangeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrDatabaseClosed
	}

	query, args, err := dialect.From(changesTable).
		Select("tbl", "pk", "col", "val", "column_version", "db_version", "site_id", "causal_length", "sequence").
		Where(goqu.C("db_version").Gt(version)).
		Order(goqu.C("db_version").Asc(), goqu.C("sequence").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build changes query: %w", err)
	}

	rows, err := h.conn.Query(query, args...)
	if err != nil {
		return nil, NewQueryError(query, err)
	}
	defer rows.Close()

	var changes []protocol.ChangeRecord
	for rows.Next() {
		var (
			c   protocol.ChangeRecord
			pk  interface{}
			val interface{}
		)
		if err := rows.Scan(&c.Table, &pk, &c.ColumnID, &val,
			&c.ColumnVersion, &c.DatabaseVersion, &c.SiteID, &c.CausalLength, &c.Sequence); err != nil {
			return nil, NewQueryError(query, err)
		}
		if c.PrimaryKey, err = encodePrimaryKey(pk); err != nil {
			return nil, fmt.Errorf("encode pk for %s: %w", c.Table, err)
		}
		if c.Value, err = encoding.MarshalValue(val); err != nil {
			return nil, fmt.Errorf("encode value for %s.%s: %w", c.Table, c.ColumnID, err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(query, err)
	}

	return changes, nil
}

// Close finalizes change tracking and releases the connection. Idempotent;
// every later operation fails with ErrDatabaseClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	// Best effort: fold the WAL back into the main file before releasing.
	if _, err := h.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Debug().Err(err).Msg("WAL checkpoint on close failed")
	}

	err := h.conn.Close()
	if removeErr := os.Remove(h.path); removeErr != nil && err == nil {
		err = removeErr
	}

	if h.registry != nil {
		h.registry.deregister(h)
	}

	log.Debug().
		Str("entity", h.entity).
		Str("database", h.database).
		Msg("Database handle closed")

	return err
}

// Snapshot serializes the current database image. Used by the server side
// to hand fresh replicas their starting point.
func (h *Handle) Snapshot() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrDatabaseClosed
	}

	if _, err := h.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("checkpoint before snapshot: %w", err)
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// encodePrimaryKey wraps a raw primary key value in its opaque wire form.
func encodePrimaryKey(pk interface{}) ([]byte, error) {
	return encoding.MarshalValue(pk)
}

// decodePrimaryKey recovers the raw primary key value.
func decodePrimaryKey(data []byte) (interface{}, error) {
	return encoding.UnmarshalValue(data)
}

// decodeWireValue recovers a raw column value from its wire encoding.
func decodeWireValue(data []byte) (interface{}, error) {
	return encoding.UnmarshalValue(data)
}
