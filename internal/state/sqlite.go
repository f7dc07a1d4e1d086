package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteFileName = "state.db"

const createStateTable = `
CREATE TABLE IF NOT EXISTS state (
	key TEXT PRIMARY KEY,
	ts  INTEGER NOT NULL,
	ack INTEGER NOT NULL,
	val TEXT
)`

const upsertState = `
INSERT INTO state (key, ts, ack, val) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET ts = excluded.ts, ack = excluded.ack, val = excluded.val`

// SQLiteBackend stores one row per key. Values are kept as JSON text.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) state.db inside dir. An empty dir uses
// DefaultDir.
func OpenSQLite(dir string) (*SQLiteBackend, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return openSQLite(filepath.Join(dir, sqliteFileName))
}

func openSQLite(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Writes are serialised by Store; one connection also keeps
	// ":memory:" databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(createStateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load() (map[string]Record, error) {
	rows, err := b.db.Query("SELECT key, ts, ack, val FROM state")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var (
			key string
			rec Record
			ack int
			val sql.NullString
		)
		if err := rows.Scan(&key, &rec.TS, &ack, &val); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		rec.Ack = ack != 0
		if val.Valid {
			if err := json.Unmarshal([]byte(val.String), &rec.Val); err != nil {
				return nil, fmt.Errorf("decoding %s: %w", key, err)
			}
		}
		records[key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}

func (b *SQLiteBackend) Put(key string, rec Record) error {
	val, err := json.Marshal(rec.Val)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	ack := 0
	if rec.Ack {
		ack = 1
	}
	if _, err := b.db.Exec(upsertState, key, rec.TS, ack, string(val)); err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
