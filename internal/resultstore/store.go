// Package resultstore keeps tune results from many independent processes in
// one SQLite database and exports them for inspection.
package resultstore

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/banshee-data/mctune/internal/minimize"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrNotFound = errors.New("result not found")
	ErrExists   = errors.New("result already stored")
)

// Store persists minimize.Result values.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	s := &Store{db: db, clock: timeutil.RealClock{}}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle, mainly for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared connection.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// isSQLiteBusy reports whether err is a lock contention error worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn up to five times with exponential backoff starting at
// 10ms while it fails with a busy error.
func retryOnBusy(clock timeutil.Clock, fn func() error) error {
	const maxAttempts = 5
	delay := 10 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxAttempts {
			clock.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxAttempts, err)
}

// Insert stores r and returns its id, generating one when r.ID is empty.
func (s *Store) Insert(r *minimize.Result) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	var text bytes.Buffer
	if err := minimize.WriteResult(&text, r); err != nil {
		return "", fmt.Errorf("encode result %s: %w", r.ID, err)
	}
	var validation interface{}
	if r.Validation != nil {
		validation = r.Validation.String()
	}
	createdAt := s.clock.Now().UnixNano()

	err := retryOnBusy(s.clock, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
			INSERT INTO tune_results (
				result_id, runs_key, minimizer, start_method, state, status,
				gof, ndof, pvalue, evaluations, observables, validation,
				result_text, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RunsKey, r.Minimizer, string(r.Start), string(r.State), r.Status,
			r.GoF, r.NDoF, r.PValue, r.Evaluations, strings.Join(r.Observables, " "), validation,
			text.String(), createdAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("%w: %s", ErrExists, r.ID)
			}
			return err
		}
		for i, name := range r.Params.Keys() {
			_, fixed := r.Fixed[name]
			_, err = tx.Exec(`
				INSERT INTO tune_result_params (result_id, name, value, err_low, err_high, fixed)
				VALUES (?, ?, ?, ?, ?, ?)`,
				r.ID, name, r.Params.At(i), r.ErrLow[i], r.ErrHigh[i], fixed,
			)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("insert result: %w", err)
	}
	return r.ID, nil
}

// Get returns the result with the given id.
func (s *Store) Get(id string) (*minimize.Result, error) {
	var text string
	err := s.db.QueryRow(`SELECT result_text FROM tune_results WHERE result_id = ?`, id).Scan(&text)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan result: %w", err)
	}
	return decode(id, text)
}

func decode(id, text string) (*minimize.Result, error) {
	r, err := minimize.ReadResult(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return r, nil
}

// List returns every stored result in insertion order.
func (s *Store) List() ([]*minimize.Result, error) {
	return s.query(`SELECT result_id, result_text FROM tune_results ORDER BY created_at, result_id`)
}

// ListByRuns returns the results tuned on the given runs key, best first.
func (s *Store) ListByRuns(runsKey string) ([]*minimize.Result, error) {
	return s.query(`
		SELECT result_id, result_text FROM tune_results
		WHERE runs_key = ?
		ORDER BY gof, created_at`, runsKey)
}

func (s *Store) query(q string, args ...interface{}) ([]*minimize.Result, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []*minimize.Result
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r, err := decode(id, text)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Delete removes a result and its parameter rows.
func (s *Store) Delete(id string) error {
	return retryOnBusy(s.clock, func() error {
		res, err := s.db.Exec(`DELETE FROM tune_results WHERE result_id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete result: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// Concatenate loads result files and stores them. Results whose id is
// already present are skipped with a warning. It returns the number stored.
func (s *Store) Concatenate(fsys fsutil.FileSystem, paths ...string) (int, error) {
	n := 0
	for _, path := range paths {
		r, err := minimize.LoadResult(fsys, path)
		if err != nil {
			return n, err
		}
		if _, err := s.Insert(r); err != nil {
			if errors.Is(err, ErrExists) {
				monitoring.Logf("WARNING: %s: result %s already stored, skipping", path, r.ID)
				continue
			}
			return n, fmt.Errorf("%s: %w", path, err)
		}
		n++
	}
	return n, nil
}
