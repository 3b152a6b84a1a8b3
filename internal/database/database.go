package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"vigil/internal/eventbus"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// ViolationRecord is a persisted violation event
type ViolationRecord struct {
	ID         string         `json:"id"`
	CameraID   string         `json:"camera_id"`
	Kind       string         `json:"kind"`
	Identity   string         `json:"identity,omitempty"`
	Confidence float32        `json:"confidence"`
	CapturedAt time.Time      `json:"captured_at"`
	ImagePath  string         `json:"image_path,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// ViolationFilter narrows ListViolations results. Zero values mean
// no constraint.
type ViolationFilter struct {
	CameraID      string
	MinConfidence float32
	Hours         int // look-back window from now
	Limit         int
	Offset        int
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS violations (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			identity TEXT,
			confidence REAL,
			captured_at DATETIME NOT NULL,
			image_path TEXT,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_camera_time ON violations(camera_id, captured_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_time ON violations(captured_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Println("[Database] Migrations completed successfully")
	return nil
}

// SaveViolation inserts a violation. A duplicate ID is ignored so the
// recorder stays safe against redelivery.
func (d *Database) SaveViolation(v *ViolationRecord) error {
	var details []byte
	if v.Details != nil {
		var err error
		details, err = json.Marshal(v.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `INSERT INTO violations (id, camera_id, kind, identity, confidence, captured_at, image_path, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err := d.db.Exec(query, v.ID, v.CameraID, v.Kind, v.Identity, v.Confidence, v.CapturedAt, v.ImagePath, string(details))
	if err != nil {
		return fmt.Errorf("failed to save violation: %w", err)
	}
	return nil
}

// GetViolation retrieves a violation by ID, or nil when absent
func (d *Database) GetViolation(id string) (*ViolationRecord, error) {
	query := `SELECT id, camera_id, kind, identity, confidence, captured_at, image_path, details
		FROM violations WHERE id = ?`

	v, err := scanViolation(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}
	return v, nil
}

// ListViolations returns violations newest first, narrowed by the filter
func (d *Database) ListViolations(filter ViolationFilter) ([]*ViolationRecord, error) {
	query := `SELECT id, camera_id, kind, identity, confidence, captured_at, image_path, details
		FROM violations WHERE 1=1`
	var args []any

	if filter.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, filter.CameraID)
	}
	if filter.MinConfidence > 0 {
		query += " AND confidence >= ?"
		args = append(args, filter.MinConfidence)
	}
	if filter.Hours > 0 {
		query += " AND captured_at >= ?"
		args = append(args, time.Now().Add(-time.Duration(filter.Hours)*time.Hour))
	}

	query += " ORDER BY captured_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var violations []*ViolationRecord
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// CountViolations returns the number of stored violations for a camera,
// or for all cameras when cameraID is empty
func (d *Database) CountViolations(cameraID string) (int, error) {
	var count int
	var err error
	if cameraID == "" {
		err = d.db.QueryRow("SELECT COUNT(*) FROM violations").Scan(&count)
	} else {
		err = d.db.QueryRow("SELECT COUNT(*) FROM violations WHERE camera_id = ?", cameraID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner) (*ViolationRecord, error) {
	var v ViolationRecord
	var identity, imagePath, details sql.NullString
	if err := row.Scan(&v.ID, &v.CameraID, &v.Kind, &identity, &v.Confidence, &v.CapturedAt, &imagePath, &details); err != nil {
		return nil, err
	}
	v.Identity = identity.String
	v.ImagePath = imagePath.String
	if details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &v.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
	}
	return &v, nil
}

// recordFromEvent maps a bus event onto its persisted form
func recordFromEvent(ev *eventbus.Event) *ViolationRecord {
	return &ViolationRecord{
		ID:         ev.ID,
		CameraID:   ev.CameraID,
		Kind:       string(ev.Kind),
		Identity:   ev.Identity,
		Confidence: ev.Confidence,
		CapturedAt: ev.CapturedAt,
		ImagePath:  ev.ImageRef,
		Details:    ev.Details,
	}
}
