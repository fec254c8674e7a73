package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vigil/internal/events"
	"vigil/internal/identity"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrPersonNotFound    = errors.New("person not found")
)

// Binding pins a track on one camera to an enrolled person
type Binding struct {
	CameraID   string
	TrackID    int
	PersonName string
	BoundAt    time.Time
}

// Store is the durable side of the system: the append-only event log, the
// enrolled persons read by the identity index, and manual track bindings.
type Store interface {
	Append(ctx context.Context, rec events.Record) error
	Load(ctx context.Context, filter events.Filter) ([]events.Record, error)

	ListPersons(ctx context.Context) ([]identity.Record, error)
	SavePerson(ctx context.Context, p identity.Record) error

	SaveBinding(ctx context.Context, b Binding) error
	DeleteBinding(ctx context.Context, cameraID string, trackID int) error

	Close() error
}

// Config selects and configures the storage backend
type Config struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// Open connects to the configured backend and runs migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		db, err := New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}
