package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"vigil/internal/events"
	"vigil/internal/identity"
)

// Database is the SQLite store
type Database struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath
func New(dbPath string) (*Database, error) {
	if dbPath == "" {
		dbPath = "vigil.db"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers; each append stays one statement.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate creates the tables if they do not exist
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ts_unix_nano INTEGER NOT NULL,
			camera_id TEXT NOT NULL,
			track_id INTEGER NOT NULL,
			person_name TEXT NOT NULL,
			role TEXT NOT NULL,
			confidence REAL NOT NULL,
			bbox TEXT NOT NULL,
			evidence_path TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			distance REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS persons (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			face_path TEXT NOT NULL DEFAULT '',
			embedding TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS track_bindings (
			camera_id TEXT NOT NULL,
			track_id INTEGER NOT NULL,
			person_name TEXT NOT NULL,
			bound_at INTEGER NOT NULL,
			PRIMARY KEY (camera_id, track_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_camera_time ON events(camera_id, ts_unix_nano)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(ts_unix_nano)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Append writes one event row
func (d *Database) Append(ctx context.Context, rec events.Record) error {
	bboxJSON, err := json.Marshal(rec.BBox)
	if err != nil {
		return fmt.Errorf("failed to marshal bbox: %w", err)
	}

	query := `INSERT INTO events
		(id, ts_unix_nano, camera_id, track_id, person_name, role, confidence, bbox, evidence_path, outcome, distance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.Timestamp.UnixNano(), rec.CameraID, rec.TrackID,
		rec.PersonName, string(rec.Role), rec.Confidence, string(bboxJSON), rec.EvidencePath,
		string(rec.Outcome), rec.Distance)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Load returns events matching filter in timestamp order
func (d *Database) Load(ctx context.Context, filter events.Filter) ([]events.Record, error) {
	query := `SELECT id, ts_unix_nano, camera_id, track_id, person_name, role, confidence, bbox,
		evidence_path, outcome, distance
		FROM events WHERE 1=1`
	args := []interface{}{}

	if filter.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, filter.CameraID)
	}
	if !filter.Since.IsZero() {
		query += " AND ts_unix_nano >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		query += " AND ts_unix_nano < ?"
		args = append(args, filter.Until.UnixNano())
	}

	query += " ORDER BY ts_unix_nano ASC, seq ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		var (
			rec      events.Record
			tsNano   int64
			role     string
			outcome  string
			bboxJSON string
		)
		if err := rows.Scan(&rec.ID, &tsNano, &rec.CameraID, &rec.TrackID, &rec.PersonName, &role,
			&rec.Confidence, &bboxJSON, &rec.EvidencePath, &outcome, &rec.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Timestamp = time.Unix(0, tsNano).UTC()
		rec.Role = identity.Role(role)
		rec.Outcome = identity.Outcome(outcome)
		if err := json.Unmarshal([]byte(bboxJSON), &rec.BBox); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bbox: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListPersons returns enrolled persons in enrollment order
func (d *Database) ListPersons(ctx context.Context) ([]identity.Record, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, role, face_path, embedding FROM persons ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}
	defer rows.Close()

	var persons []identity.Record
	for rows.Next() {
		var (
			p         identity.Record
			role      string
			embedding sql.NullString
		)
		if err := rows.Scan(&p.Name, &role, &p.ImagePath, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		if p.Role, err = identity.ParseRole(role); err != nil {
			return nil, fmt.Errorf("person %s: %w", p.Name, err)
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &p.Embedding); err != nil {
				return nil, fmt.Errorf("person %s: failed to unmarshal embedding: %w", p.Name, err)
			}
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// SavePerson inserts or updates an enrolled person
func (d *Database) SavePerson(ctx context.Context, p identity.Record) error {
	var embedding sql.NullString
	if len(p.Embedding) > 0 {
		b, err := json.Marshal(p.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embedding = sql.NullString{String: string(b), Valid: true}
	}

	query := `INSERT INTO persons (name, role, face_path, embedding)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			role = excluded.role,
			face_path = excluded.face_path,
			embedding = excluded.embedding`

	if _, err := d.db.ExecContext(ctx, query, p.Name, string(p.Role), p.ImagePath, embedding); err != nil {
		return fmt.Errorf("failed to save person: %w", err)
	}
	return nil
}

// SaveBinding records a manual track binding
func (d *Database) SaveBinding(ctx context.Context, b Binding) error {
	query := `INSERT INTO track_bindings (camera_id, track_id, person_name, bound_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(camera_id, track_id) DO UPDATE SET
			person_name = excluded.person_name,
			bound_at = excluded.bound_at`

	if _, err := d.db.ExecContext(ctx, query, b.CameraID, b.TrackID, b.PersonName, b.BoundAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

// DeleteBinding removes a manual track binding
func (d *Database) DeleteBinding(ctx context.Context, cameraID string, trackID int) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM track_bindings WHERE camera_id = ? AND track_id = ?", cameraID, trackID)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// Bindings lists the stored bindings for a camera
func (d *Database) Bindings(ctx context.Context, cameraID string) ([]Binding, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT camera_id, track_id, person_name, bound_at FROM track_bindings WHERE camera_id = ? ORDER BY track_id",
		cameraID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var (
			b       Binding
			boundAt int64
		)
		if err := rows.Scan(&b.CameraID, &b.TrackID, &b.PersonName, &boundAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		b.BoundAt = time.Unix(0, boundAt).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ Store = (*Database)(nil)
