package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/imgsrv/internal/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	primary_image_id TEXT,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS images (
	project_id TEXT NOT NULL,
	image_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ext TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (project_id, image_id),
	FOREIGN KEY (project_id) REFERENCES projects(project_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_images_order ON images(project_id, seq);
`

// SQLiteStore keeps project metadata in relational tables: one row per
// project holding the primary pointer, one row per image ordered by seq.
// SQLite's own file locking makes it safe to share between processes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates <dataDir>/meta.sqlite.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create meta directory: %w", err)
	}

	dsn := filepath.Join(dataDir, "meta.sqlite") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the project row and its images in upload order.
func (s *SQLiteStore) Load(ctx context.Context, projectID string) (*models.ProjectState, error) {
	var primary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT primary_image_id FROM projects WHERE project_id = ?`, projectID).Scan(&primary)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewProjectState(projectID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata for %s: %w", projectID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT image_id, ext, created_at FROM images WHERE project_id = ? ORDER BY seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("read images for %s: %w", projectID, err)
	}
	defer rows.Close()

	state := models.NewProjectState(projectID)
	if primary.Valid {
		id := primary.String
		state.PrimaryImageID = &id
	}
	for rows.Next() {
		var rec models.ImageRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.Ext, &created); err != nil {
			return nil, fmt.Errorf("scan image for %s: %w", projectID, err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("project %s: image %s created_at %q: %w", projectID, rec.ID, created, ErrCorrupt)
		}
		state.Images = append(state.Images, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read images for %s: %w", projectID, err)
	}

	if err := checkLoaded(projectID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Save replaces the project's rows in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, projectID string, state *models.ProjectState) error {
	if err := checkSaving(projectID, state); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var primary sql.NullString
	if state.PrimaryImageID != nil {
		primary = sql.NullString{String: *state.PrimaryImageID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (project_id, primary_image_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_id) DO UPDATE SET
			primary_image_id = excluded.primary_image_id,
			updated_at = excluded.updated_at`,
		projectID, primary); err != nil {
		return fmt.Errorf("upsert project %s: %w", projectID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear images for %s: %w", projectID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO images (project_id, image_id, seq, ext, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare image insert: %w", err)
	}
	defer stmt.Close()

	for i, img := range state.Images {
		if _, err := stmt.ExecContext(ctx, projectID, img.ID, i, img.Ext,
			img.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert image %s: %w", img.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata for %s: %w", projectID, err)
	}
	return nil
}

// Exists reports whether a project row exists.
func (s *SQLiteStore) Exists(ctx context.Context, projectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check project %s: %w", projectID, err)
	}
	return n > 0, nil
}

// ListProjects returns all project ids.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
