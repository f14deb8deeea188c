// Package settings persists operator-adjustable values across restarts.
// The only value today is the CO2 setpoint, which survives both process
// restarts and remote updates applied through the cloud command channel.
package settings

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultDirPerm = 0o755

	createSettingsSQL = `
	   CREATE TABLE IF NOT EXISTS settings (
	       id           INTEGER PRIMARY KEY CHECK (id = 1),
	       co2_setpoint REAL NOT NULL,
	       updated_at   TEXT NOT NULL
	   );`

	saveSetpointSQL = `
    INSERT INTO settings (id, co2_setpoint, updated_at)
    VALUES (1, ?, datetime('now'))
    ON CONFLICT(id) DO UPDATE SET
        co2_setpoint = excluded.co2_setpoint,
        updated_at = excluded.updated_at`

	loadSetpointSQL = `SELECT co2_setpoint FROM settings WHERE id = 1`
)

// Store persists settings. LoadSetpoint reports found=false when no value
// has ever been saved.
type Store interface {
	LoadSetpoint(ctx context.Context) (value float64, found bool, err error)
	SaveSetpoint(ctx context.Context, value float64) error
	Close() error
}

type Config struct {
	DBPath string
}

type sqliteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(cfg Config) (Store, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	dsn := cfg.DBPath + "?_journal=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if _, err := db.Exec(createSettingsSQL); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrSchemaInit, err)
	}

	logger.Debug().Str("path", cfg.DBPath).Msg("Settings store opened")

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) LoadSetpoint(ctx context.Context) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value float64
	err := s.db.QueryRowContext(ctx, loadSetpointSQL).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.New().Wrap(ErrStorageAccess, err)
	}

	return value, true, nil
}

func (s *sqliteStore) SaveSetpoint(ctx context.Context, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errFactory := errors.New()

	if value <= 0 {
		return errFactory.WithData(ErrInvalidValue, value)
	}

	if _, err := s.db.ExecContext(ctx, saveSetpointSQL, value); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}
