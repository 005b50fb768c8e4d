package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// Change-tracking object names. Everything the core creates inside a user
// database is prefixed so domain tables can never collide with it.
const (
	changesTable = "__capsync_changes"
	metaTable    = "__capsync_meta"
)

// DeleteSentinel is the column id recorded for row deletions. A change with
// this column id carries no value; its causal length being even marks the
// row as deleted.
const DeleteSentinel = "__del"

const changeTrackingSchema = `
CREATE TABLE IF NOT EXISTS ` + changesTable + ` (
	tbl            TEXT NOT NULL,
	pk             NOT NULL,
	col            TEXT NOT NULL,
	val,
	column_version INTEGER NOT NULL,
	db_version     INTEGER NOT NULL,
	site_id        TEXT NOT NULL,
	causal_length  INTEGER NOT NULL,
	sequence       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS __capsync_changes_order
	ON ` + changesTable + ` (db_version, sequence);
CREATE INDEX IF NOT EXISTS __capsync_changes_cell
	ON ` + changesTable + ` (tbl, pk, col);

CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
	rowid_guard       INTEGER PRIMARY KEY CHECK (rowid_guard = 1),
	site_id           TEXT NOT NULL,
	version           INTEGER NOT NULL,
	apply_in_progress INTEGER NOT NULL DEFAULT 0
);
`

// trackingInitialized probes for a prior bootstrap so re-opening a snapshot
// that already carries the change log skips re-initialization.
func trackingInitialized(conn *sql.DB) (bool, error) {
	row := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", changesTable)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("probe change table: %w", err)
	}
	return n > 0, nil
}

// nextDBVersion is the SQL expression capture triggers use for the version of
// the statement currently executing. Exec bumps the meta version once per
// mutating statement, after the statement ran.
const nextDBVersion = "(SELECT version + 1 FROM " + metaTable + ")"

// nextSequence orders changes captured under the same database version.
const nextSequence = "(SELECT IFNULL(MAX(sequence), -1) + 1 FROM " + changesTable +
	" WHERE db_version = " + nextDBVersion + ")"

// captureGuard suppresses the triggers while ApplyChanges writes remote rows;
// remote changes are recorded in the change log explicitly, not re-captured.
const captureGuard = "(SELECT apply_in_progress FROM " + metaTable + ") = 0"

func cellColumnVersion(table, pkRef, col string) string {
	return fmt.Sprintf(
		"(SELECT IFNULL(MAX(column_version), 0) + 1 FROM %s WHERE tbl = '%s' AND pk = %s AND col = '%s')",
		changesTable, table, pkRef, col)
}

func rowCausalLength(table, pkRef string) string {
	return fmt.Sprintf(
		"(SELECT IFNULL(MAX(causal_length), 0) FROM %s WHERE tbl = '%s' AND pk = %s)",
		changesTable, table, pkRef)
}

// buildCaptureTriggers generates the insert/update/delete capture triggers
// for one tracked table. Tracked tables must carry a single-column primary
// key; the change protocol identifies rows by that one value.
func buildCaptureTriggers(table string, schema *TableSchema) (string, error) {
	if len(schema.PrimaryKeys) != 1 {
		return "", fmt.Errorf("table %s: tracked tables need exactly one primary key column, found %d",
			table, len(schema.PrimaryKeys))
	}
	pk := schema.PrimaryKeys[0]

	var dataCols []string
	for _, col := range schema.Columns {
		if col != pk {
			dataCols = append(dataCols, col)
		}
	}

	var b strings.Builder

	// INSERT: one change row per data column, plus causal length continuation.
	// A row inserted for the first time gets causal length 1; a row
	// re-inserted after deletion gets the old even length + 1.
	fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS __capsync_%s_insert AFTER INSERT ON %s WHEN %s\nBEGIN\n",
		table, table, captureGuard)
	insertCL := fmt.Sprintf(
		"(SELECT CASE WHEN cl %% 2 = 0 THEN cl + 1 ELSE cl END FROM (SELECT %s AS cl))",
		rowCausalLength(table, "NEW."+pk))
	for _, col := range dataCols {
		fmt.Fprintf(&b,
			"\tINSERT INTO %s (tbl, pk, col, val, column_version, db_version, site_id, causal_length, sequence)\n"+
				"\t\tVALUES ('%s', NEW.%s, '%s', NEW.%s, %s, %s, (SELECT site_id FROM %s), %s, %s);\n",
			changesTable, table, pk, col, col,
			cellColumnVersion(table, "NEW."+pk, col), nextDBVersion, metaTable, insertCL, nextSequence)
	}
	b.WriteString("END;\n")

	// UPDATE: capture only columns whose value actually changed.
	fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS __capsync_%s_update AFTER UPDATE ON %s WHEN %s\nBEGIN\n",
		table, table, captureGuard)
	for _, col := range dataCols {
		fmt.Fprintf(&b,
			"\tINSERT INTO %s (tbl, pk, col, val, column_version, db_version, site_id, causal_length, sequence)\n"+
				"\t\tSELECT '%s', NEW.%s, '%s', NEW.%s, %s, %s, (SELECT site_id FROM %s), %s, %s\n"+
				"\t\tWHERE OLD.%s IS NOT NEW.%s;\n",
			changesTable, table, pk, col, col,
			cellColumnVersion(table, "NEW."+pk, col), nextDBVersion, metaTable,
			rowCausalLength(table, "NEW."+pk), nextSequence, col, col)
	}
	b.WriteString("END;\n")

	// DELETE: a single tombstone with an even causal length.
	fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS __capsync_%s_delete AFTER DELETE ON %s WHEN %s\nBEGIN\n",
		table, table, captureGuard)
	fmt.Fprintf(&b,
		"\tINSERT INTO %s (tbl, pk, col, val, column_version, db_version, site_id, causal_length, sequence)\n"+
			"\t\tVALUES ('%s', OLD.%s, '%s', NULL, %s, %s, (SELECT site_id FROM %s), %s + 1, %s);\n",
		changesTable, table, pk, DeleteSentinel,
		cellColumnVersion(table, "OLD."+pk, DeleteSentinel), nextDBVersion, metaTable,
		rowCausalLength(table, "OLD."+pk), nextSequence)
	b.WriteString("END;\n")

	return b.String(), nil
}
