package db

import (
	"database/sql"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TableSchema holds the column layout the change machinery needs.
type TableSchema struct {
	Columns     []string
	PrimaryKeys []string
}

const schemaCacheSize = 64

// SchemaCache caches PRAGMA table_info results per table. Domain schemas are
// static for the life of a snapshot, so entries never need invalidation.
type SchemaCache struct {
	cache *lru.Cache[string, *TableSchema]
}

// NewSchemaCache creates a new schema cache.
func NewSchemaCache() (*SchemaCache, error) {
	cache, err := lru.New[string, *TableSchema](schemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &SchemaCache{cache: cache}, nil
}

// Load returns the schema for a table, reading PRAGMA table_info on miss.
func (c *SchemaCache) Load(conn *sql.DB, table string) (*TableSchema, error) {
	if schema, ok := c.cache.Get(table); ok {
		return schema, nil
	}

	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	schema := &TableSchema{}
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			deflt     sql.NullString
			pkOrdinal int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &deflt, &pkOrdinal); err != nil {
			return nil, fmt.Errorf("table_info %s: %w", table, err)
		}
		schema.Columns = append(schema.Columns, name)
		if pkOrdinal > 0 {
			schema.PrimaryKeys = append(schema.PrimaryKeys, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	c.cache.Add(table, schema)
	return schema, nil
}

// Cached returns a schema without touching the database. ApplyChanges runs
// inside a transaction on the handle's only connection, so it must not
// trigger a cache-miss query.
func (c *SchemaCache) Cached(table string) (*TableSchema, error) {
	if schema, ok := c.cache.Get(table); ok {
		return schema, nil
	}
	return nil, fmt.Errorf("table %s is not change-tracked", table)
}
