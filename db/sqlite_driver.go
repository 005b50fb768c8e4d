package db

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name used for all capsync handles.
const SQLiteDriverName = "sqlite3_capsync"

func init() {
	// Register a custom SQLite driver so every connection comes up with the
	// pragmas the change log depends on. Recursive triggers stay off: the
	// capture triggers write to the change table and must not re-fire.
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA recursive_triggers = OFF;", nil)
			return err
		},
	})
}
