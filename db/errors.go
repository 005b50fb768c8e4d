package db

import (
	"errors"
	"fmt"
)

// ErrDatabaseClosed is returned by every operation on a closed handle.
var ErrDatabaseClosed = errors.New("database closed")

// maxSQLInError bounds the statement text carried inside a QueryError.
const maxSQLInError = 200

// DataCorruptionError reports a snapshot that failed format validation.
type DataCorruptionError struct {
	Reason string
}

func (e *DataCorruptionError) Error() string {
	return fmt.Sprintf("snapshot corrupted: %s", e.Reason)
}

// InitError reports a failure while opening a handle or bootstrapping
// change tracking.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("database init failed at %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// QueryError wraps an engine-level statement failure. SQL is truncated for
// diagnostics; retry policy belongs to the caller.
type QueryError struct {
	SQL string
	Err error
}

func NewQueryError(sqlText string, err error) *QueryError {
	if len(sqlText) > maxSQLInError {
		sqlText = sqlText[:maxSQLInError] + "..."
	}
	return &QueryError{SQL: sqlText, Err: err}
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v (sql: %s)", e.Err, e.SQL)
}

func (e *QueryError) Unwrap() error { return e.Err }
