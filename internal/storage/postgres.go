package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/vitastack/internal/profile"
)

// PGStore is the PostgreSQL-backed profile store. It owns a connection pool
// shared by all sessions.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to databaseURL, verifies the connection and applies
// pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "vitastack"
	cfg.MaxConns = 10
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PGStore{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases every pooled connection.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := loadMigrations("migrations/postgres")
	if err != nil {
		return err
	}

	for _, m := range migrations {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_version WHERE version = $1)", m.version).Scan(&exists); err != nil {
				return fmt.Errorf("checking migration %d: %w", m.version, err)
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("applying migration %d: %w", m.version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", m.version); err != nil {
				return fmt.Errorf("recording migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateProfile assigns a fresh identifier and creation time to p and
// commits it as a single row. The stored profile is returned.
func (s *PGStore) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	p.ID = uuid.New().String()
	p.CreatedAt = s.now().UTC().Truncate(time.Microsecond)

	smoking, err := smokingJSON(p.Smoking)
	if err != nil {
		return profile.Profile{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_sessions (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.CreatedAt,
		nullIfEmpty(p.Name), intOrNil(p.Age), nullIfEmpty(p.Sex),
		floatOrNil(p.WeightKg), floatOrNil(p.HeightCm), nullIfEmpty(p.DietType),
		listOrEmpty(p.FoodAllergies), nullIfEmpty(p.ActivityLevel), floatOrNil(p.SleepHours),
		smoking, nullIfEmpty(p.Alcohol),
		listOrEmpty(p.Goals), listOrEmpty(p.Symptoms), listOrEmpty(p.CurrentStack),
		nullIfEmpty(p.Urgency),
	)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("inserting profile: %w", err)
	}
	return p, nil
}

// GetProfile loads a stored profile by identifier.
func (s *PGStore) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	var (
		p                                  profile.Profile
		name, sex, diet, activity, alcohol *string
		urgency                            *string
		age                                *int32
		smoking                            []byte
		allergies, goals, symptoms, stack  []string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_sessions WHERE id = $1`, id).Scan(
		&p.ID, &p.CreatedAt, &name, &age, &sex, &p.WeightKg, &p.HeightCm, &diet, &allergies,
		&activity, &p.SleepHours, &smoking, &alcohol, &goals, &symptoms, &stack, &urgency,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Profile{}, ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, err
	}

	p.CreatedAt = p.CreatedAt.UTC()
	p.Name, p.Sex, p.DietType = deref(name), deref(sex), deref(diet)
	p.ActivityLevel, p.Alcohol, p.Urgency = deref(activity), deref(alcohol), deref(urgency)
	if age != nil {
		v := int(*age)
		p.Age = &v
	}
	if p.Smoking, err = decodeSmoking(smoking); err != nil {
		return profile.Profile{}, err
	}
	p.FoodAllergies = profile.StringList(listOrEmpty(allergies))
	p.Goals = profile.StringList(listOrEmpty(goals))
	p.Symptoms = profile.StringList(listOrEmpty(symptoms))
	p.CurrentStack = profile.StringList(listOrEmpty(stack))
	return p, nil
}

// CountProfiles returns the number of stored profiles.
func (s *PGStore) CountProfiles(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM user_sessions").Scan(&n)
	return n, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
