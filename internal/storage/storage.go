package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/vitastack/internal/profile"
)

// Profiles is the surface shared by the SQLite and PostgreSQL stores.
type Profiles interface {
	CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	GetProfile(ctx context.Context, id string) (profile.Profile, error)
	CountProfiles(ctx context.Context) (int, error)
	Close() error
}

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenDriver opens the store selected by driver. SQLite uses dataDir;
// PostgreSQL uses databaseURL.
func OpenDriver(ctx context.Context, driver, dataDir, databaseURL string) (Profiles, error) {
	switch driver {
	case "", DriverSQLite:
		return Open(dataDir)
	case DriverPostgres:
		if databaseURL == "" {
			return nil, errors.New("postgres driver requires a database url")
		}
		return OpenPostgres(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

var (
	_ Profiles = (*Store)(nil)
	_ Profiles = (*PGStore)(nil)
)
