package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/vitastack/internal/profile"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed profile store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vitastack.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent sessions wait briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := loadMigrations("migrations/sqlite")
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", m.version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

// loadMigrations reads the numbered .sql files in dir in ascending order.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return nil, err
		}

		content, err := fs.ReadFile(migrationsFS, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		out = append(out, migration{version: version, sql: string(content)})
	}
	return out, nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Profiles ---

// CreateProfile assigns a fresh identifier and creation time to p and
// commits it as a single row. The stored profile is returned.
func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	p.ID = uuid.New().String()
	p.CreatedAt = s.now().UTC()

	smoking, err := smokingJSON(p.Smoking)
	if err != nil {
		return profile.Profile{}, err
	}
	lists := make([]string, 0, 4)
	for _, l := range []profile.StringList{p.FoodAllergies, p.Goals, p.Symptoms, p.CurrentStack} {
		b, err := json.Marshal(listOrEmpty(l))
		if err != nil {
			return profile.Profile{}, fmt.Errorf("encoding list: %w", err)
		}
		lists = append(lists, string(b))
	}
	var smokingCol any
	if smoking != nil {
		smokingCol = string(smoking)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CreatedAt.Format(time.RFC3339Nano),
		nullIfEmpty(p.Name), intOrNil(p.Age), nullIfEmpty(p.Sex),
		floatOrNil(p.WeightKg), floatOrNil(p.HeightCm), nullIfEmpty(p.DietType),
		lists[0], nullIfEmpty(p.ActivityLevel), floatOrNil(p.SleepHours),
		smokingCol, nullIfEmpty(p.Alcohol), lists[1], lists[2], lists[3],
		nullIfEmpty(p.Urgency),
	)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("inserting profile: %w", err)
	}
	return p, nil
}

// GetProfile loads a stored profile by identifier.
func (s *Store) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	var (
		p                                        profile.Profile
		createdAt                                string
		name, sex, diet, activity, alcohol       sql.NullString
		urgency, smoking                         sql.NullString
		age                                      sql.NullInt64
		weight, height, sleep                    sql.NullFloat64
		allergies, goals, symptoms, currentStack string
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_sessions WHERE id = ?`, id).Scan(
		&p.ID, &createdAt, &name, &age, &sex, &weight, &height, &diet, &allergies,
		&activity, &sleep, &smoking, &alcohol, &goals, &symptoms, &currentStack, &urgency,
	)
	if err == sql.ErrNoRows {
		return profile.Profile{}, ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, err
	}

	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return profile.Profile{}, fmt.Errorf("parsing created_at: %w", err)
	}
	p.Name, p.Sex, p.DietType = name.String, sex.String, diet.String
	p.ActivityLevel, p.Alcohol, p.Urgency = activity.String, alcohol.String, urgency.String
	if age.Valid {
		v := int(age.Int64)
		p.Age = &v
	}
	p.WeightKg = nullFloatPtr(weight)
	p.HeightCm = nullFloatPtr(height)
	p.SleepHours = nullFloatPtr(sleep)

	if smoking.Valid {
		if p.Smoking, err = decodeSmoking([]byte(smoking.String)); err != nil {
			return profile.Profile{}, err
		}
	}

	for _, f := range []struct {
		raw string
		dst *profile.StringList
	}{
		{allergies, &p.FoodAllergies},
		{goals, &p.Goals},
		{symptoms, &p.Symptoms},
		{currentStack, &p.CurrentStack},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return profile.Profile{}, fmt.Errorf("decoding list: %w", err)
		}
	}
	return p, nil
}

// CountProfiles returns the number of stored profiles.
func (s *Store) CountProfiles(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_sessions").Scan(&n)
	return n, err
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
