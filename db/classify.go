package db

import (
	"strings"

	"github.com/rqlite/sql"
)

// StatementClass partitions statements for the lock guard: mutations demand
// a held edit lock, reads do not.
type StatementClass int

const (
	ClassRead StatementClass = iota
	ClassMutation
	ClassOther // DDL, pragmas
)

// Classify parses a statement and reports whether it mutates data.
// Unparseable statements classify as mutations: failing closed means a
// malformed write can never slip past the lock guard.
func Classify(sqlText string) StatementClass {
	parser := sql.NewParser(strings.NewReader(sqlText))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return ClassMutation
	}

	switch stmt.(type) {
	case *sql.SelectStatement:
		return ClassRead
	case *sql.InsertStatement, *sql.UpdateStatement, *sql.DeleteStatement:
		return ClassMutation
	default:
		return ClassOther
	}
}
