package credstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/esracengel/PetBNB/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS local_storage (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteStore keeps the pair as two rows of a key/value table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context) (model.Tokens, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM local_storage WHERE key IN (?, ?)`, KeyAccess, KeyRefresh)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("load tokens: %w", err)
	}
	defer rows.Close()

	var t model.Tokens
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return model.Tokens{}, fmt.Errorf("load tokens: %w", err)
		}
		switch k {
		case KeyAccess:
			t.AccessToken = v
		case KeyRefresh:
			t.RefreshToken = v
		}
	}
	if err := rows.Err(); err != nil {
		return model.Tokens{}, fmt.Errorf("load tokens: %w", err)
	}
	return withExpiry(t), nil
}

// Save replaces both rows in one transaction. An empty token removes its row.
func (s *SQLiteStore) Save(ctx context.Context, t model.Tokens) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, kv := range [][2]string{{KeyAccess, t.AccessToken}, {KeyRefresh, t.RefreshToken}} {
		if kv[1] == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM local_storage WHERE key = ?`, kv[0])
		} else {
			_, err = tx.ExecContext(ctx, `
INSERT INTO local_storage (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, kv[0], kv[1])
		}
		if err != nil {
			return fmt.Errorf("save tokens: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM local_storage WHERE key IN (?, ?)`, KeyAccess, KeyRefresh); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}
