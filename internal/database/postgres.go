package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"vigil/internal/events"
	"vigil/internal/identity"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq           BIGSERIAL PRIMARY KEY,
		id            TEXT NOT NULL UNIQUE,
		ts_unix_nano  BIGINT NOT NULL,
		camera_id     TEXT NOT NULL,
		track_id      INT NOT NULL,
		person_name   TEXT NOT NULL,
		role          TEXT NOT NULL,
		confidence    DOUBLE PRECISION NOT NULL,
		bbox          JSONB NOT NULL,
		evidence_path TEXT NOT NULL DEFAULT '',
		outcome       TEXT NOT NULL DEFAULT '',
		distance      DOUBLE PRECISION NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_camera_time ON events(camera_id, ts_unix_nano);`,
	`CREATE TABLE IF NOT EXISTS persons (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		role       TEXT NOT NULL,
		face_path  TEXT NOT NULL DEFAULT '',
		embedding  JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS track_bindings (
		camera_id   TEXT NOT NULL,
		track_id    INT NOT NULL,
		person_name TEXT NOT NULL,
		bound_at    BIGINT NOT NULL,
		PRIMARY KEY (camera_id, track_id)
	);`,
}

type eventRow struct {
	Seq          int64          `gorm:"primaryKey;autoIncrement"`
	ID           string         `gorm:"column:id;not null;uniqueIndex"`
	TsUnixNano   int64          `gorm:"not null"`
	CameraID     string         `gorm:"not null"`
	TrackID      int            `gorm:"not null"`
	PersonName   string         `gorm:"not null"`
	Role         string         `gorm:"not null"`
	Confidence   float64        `gorm:"not null"`
	BBox         datatypes.JSON `gorm:"column:bbox;type:jsonb"`
	EvidencePath string
	Outcome      string
	Distance     float64
}

func (eventRow) TableName() string { return "events" }

type personRow struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"not null;uniqueIndex"`
	Role      string `gorm:"not null"`
	FacePath  string
	Embedding datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (personRow) TableName() string { return "persons" }

type bindingRow struct {
	CameraID   string `gorm:"primaryKey"`
	TrackID    int    `gorm:"primaryKey"`
	PersonName string `gorm:"not null"`
	BoundAt    int64  `gorm:"not null"`
}

func (bindingRow) TableName() string { return "track_bindings" }

// PostgresStore keeps the event log in Postgres through gorm
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgres connects to dsn and runs migrations
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresFromGorm wraps an existing gorm handle
func NewPostgresFromGorm(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range postgresMigrations {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Append(ctx context.Context, rec events.Record) error {
	bbox, err := json.Marshal(rec.BBox)
	if err != nil {
		return fmt.Errorf("failed to marshal bbox: %w", err)
	}

	row := eventRow{
		ID:           rec.ID,
		TsUnixNano:   rec.Timestamp.UnixNano(),
		CameraID:     rec.CameraID,
		TrackID:      rec.TrackID,
		PersonName:   rec.PersonName,
		Role:         string(rec.Role),
		Confidence:   rec.Confidence,
		BBox:         datatypes.JSON(bbox),
		EvidencePath: rec.EvidencePath,
		Outcome:      string(rec.Outcome),
		Distance:     rec.Distance,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, filter events.Filter) ([]events.Record, error) {
	q := s.db.WithContext(ctx).Model(&eventRow{})
	if filter.CameraID != "" {
		q = q.Where("camera_id = ?", filter.CameraID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("ts_unix_nano >= ?", filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		q = q.Where("ts_unix_nano < ?", filter.Until.UnixNano())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []eventRow
	if err := q.Order("ts_unix_nano ASC, seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	out := make([]events.Record, 0, len(rows))
	for _, row := range rows {
		rec := events.Record{
			ID:           row.ID,
			Timestamp:    time.Unix(0, row.TsUnixNano).UTC(),
			CameraID:     row.CameraID,
			TrackID:      row.TrackID,
			PersonName:   row.PersonName,
			Role:         identity.Role(row.Role),
			Confidence:   row.Confidence,
			EvidencePath: row.EvidencePath,
			Outcome:      identity.Outcome(row.Outcome),
			Distance:     row.Distance,
		}
		if err := json.Unmarshal(row.BBox, &rec.BBox); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bbox: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) ListPersons(ctx context.Context) ([]identity.Record, error) {
	var rows []personRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}

	persons := make([]identity.Record, 0, len(rows))
	for _, row := range rows {
		role, err := identity.ParseRole(row.Role)
		if err != nil {
			return nil, fmt.Errorf("person %s: %w", row.Name, err)
		}
		p := identity.Record{Name: row.Name, Role: role, ImagePath: row.FacePath}
		if len(row.Embedding) > 0 {
			if err := json.Unmarshal(row.Embedding, &p.Embedding); err != nil {
				return nil, fmt.Errorf("person %s: failed to unmarshal embedding: %w", row.Name, err)
			}
		}
		persons = append(persons, p)
	}
	return persons, nil
}

func (s *PostgresStore) SavePerson(ctx context.Context, p identity.Record) error {
	row := personRow{
		Name:      p.Name,
		Role:      string(p.Role),
		FacePath:  p.ImagePath,
		CreatedAt: time.Now(),
	}
	if len(p.Embedding) > 0 {
		b, err := json.Marshal(p.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		row.Embedding = datatypes.JSON(b)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "face_path", "embedding"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save person: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveBinding(ctx context.Context, b Binding) error {
	row := bindingRow{
		CameraID:   b.CameraID,
		TrackID:    b.TrackID,
		PersonName: b.PersonName,
		BoundAt:    b.BoundAt.UnixNano(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "camera_id"}, {Name: "track_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"person_name", "bound_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBinding(ctx context.Context, cameraID string, trackID int) error {
	err := s.db.WithContext(ctx).
		Where("camera_id = ? AND track_id = ?", cameraID, trackID).
		Delete(&bindingRow{}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
