package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/councildocs/internal/models"
)

// SQLiteChunkStore keeps chunks in one SQLite table. Staged and committed rows
// are told apart by the committed column; Commit swaps them in a transaction.
type SQLiteChunkStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteChunkStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteChunkStore(dbPath string) (*SQLiteChunkStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteChunkStore{db: db, path: dbPath}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		doc_id TEXT NOT NULL,
		committed INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		char_start INTEGER NOT NULL,
		char_end INTEGER NOT NULL,
		page_num INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (doc_id, committed, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_committed ON chunks(committed, doc_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Stage replaces the staged rows of docID.
func (s *SQLiteChunkStore) Stage(ctx context.Context, docID string, chunks []models.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ? AND committed = 0`, docID); err != nil {
		return fmt.Errorf("clear staged chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (doc_id, committed, chunk_index, text, char_start, char_end, page_num)
		 VALUES (?, 0, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, docID, c.ChunkIndex, c.Text, c.CharStart, c.CharEnd, c.PageNum); err != nil {
			return fmt.Errorf("stage chunk %d of %s: %w", c.ChunkIndex, docID, err)
		}
	}
	return tx.Commit()
}

// Commit replaces the committed rows of docID with its staged rows.
func (s *SQLiteChunkStore) Commit(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var staged int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE doc_id = ? AND committed = 0`, docID,
	).Scan(&staged); err != nil {
		return err
	}
	if staged == 0 {
		return fmt.Errorf("commit chunks for %s: nothing staged: %w", docID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ? AND committed = 1`, docID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chunks SET committed = 1 WHERE doc_id = ? AND committed = 0`, docID); err != nil {
		return err
	}
	return tx.Commit()
}

// Chunks returns the committed chunks of docID.
func (s *SQLiteChunkStore) Chunks(ctx context.Context, docID string) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, text, char_start, char_end, page_num
		 FROM chunks WHERE doc_id = ? AND committed = 1 ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		c := models.Chunk{DocID: docID}
		if err := rows.Scan(&c.ChunkIndex, &c.Text, &c.CharStart, &c.CharEnd, &c.PageNum); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chunks for %s: %w", docID, ErrNotFound)
	}
	return out, nil
}

// HasStaged reports whether docID has staged rows.
func (s *SQLiteChunkStore) HasStaged(ctx context.Context, docID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE doc_id = ? AND committed = 0`, docID,
	).Scan(&n)
	return n > 0, err
}

// Committed lists documents with committed rows.
func (s *SQLiteChunkStore) Committed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT doc_id FROM chunks WHERE committed = 1 ORDER BY doc_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes every row of docID.
func (s *SQLiteChunkStore) Delete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID)
	return err
}

// CountChunks returns the number of committed chunks.
func (s *SQLiteChunkStore) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE committed = 1`).Scan(&count)
	return count, err
}

// Location returns the database file name and the document key.
func (s *SQLiteChunkStore) Location(docID string) string {
	return filepath.Base(s.path) + "#" + docID
}

// Close closes the database.
func (s *SQLiteChunkStore) Close() error {
	return s.db.Close()
}
