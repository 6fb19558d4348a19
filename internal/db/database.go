package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/manpreetbhatti/padsync/internal/storage"
	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

// Version is a named snapshot of a document.
type Version struct {
	ID          int       `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"` // Autosaved vs manual
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_document_versions_document_id ON document_versions(document_id);
	CREATE INDEX IF NOT EXISTS idx_document_versions_created_at ON document_versions(document_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Document operations. Database satisfies storage.Store.

func (d *Database) Save(ctx context.Context, documentID, content string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, content_hash, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			updated_at = CURRENT_TIMESTAMP
	`, documentID, content, storage.HashContent(content))
	if err != nil {
		return fmt.Errorf("save document %s: %w", documentID, err)
	}
	return nil
}

func (d *Database) Load(ctx context.Context, documentID string) (string, error) {
	var content string
	err := d.db.QueryRowContext(ctx,
		"SELECT content FROM documents WHERE id = ?",
		documentID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load document %s: %w", documentID, err)
	}
	return content, nil
}

// Version operations

// CreateVersion saves content as a new version of the document
func (d *Database) CreateVersion(ctx context.Context, documentID, name, description, content, createdBy string, isAuto bool) (*Version, error) {
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, name, description, content, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, documentID, name, description, content, storage.HashContent(content), createdBy, isAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetVersion(ctx, int(id))
}

const versionColumns = `id, document_id, name, description, content, content_hash, created_by, is_auto, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*Version, error) {
	var v Version
	err := row.Scan(&v.ID, &v.DocumentID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersion returns nil without an error when the version does not exist
func (d *Database) GetVersion(ctx context.Context, id int) (*Version, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM document_versions WHERE id = ?",
		id,
	)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListVersions returns the versions of a document, newest first
func (d *Database) ListVersions(ctx context.Context, documentID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, documentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (d *Database) GetVersionCount(ctx context.Context, documentID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM document_versions WHERE document_id = ?",
		documentID,
	).Scan(&count)
	return count, err
}

func (d *Database) GetLatestVersion(ctx context.Context, documentID string) (*Version, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, documentID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// DeleteVersion reports whether a version was removed
func (d *Database) DeleteVersion(ctx context.Context, id int) (bool, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM document_versions WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// DeleteOldAutoVersions removes autosaved versions beyond the newest keepCount
func (d *Database) DeleteOldAutoVersions(ctx context.Context, documentID string, keepCount int) (int, error) {
	result, err := d.db.ExecContext(ctx, `
		DELETE FROM document_versions
		WHERE document_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM document_versions
			WHERE document_id = ? AND is_auto = TRUE
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, documentID, documentID, keepCount)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var documentCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&documentCount); err != nil {
		return nil, err
	}
	stats["document_count"] = documentCount

	var versionCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_versions").Scan(&versionCount); err != nil {
		return nil, err
	}
	stats["version_count"] = versionCount

	var autoCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_versions WHERE is_auto = TRUE").Scan(&autoCount); err != nil {
		return nil, err
	}
	stats["auto_version_count"] = autoCount

	return stats, nil
}
