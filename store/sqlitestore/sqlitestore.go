// Package sqlitestore keeps records in SQLite database. Schema is managed by embedded migrations.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"

	"github.com/LdDl/ppe-watch/ppe"
	"github.com/LdDl/ppe-watch/store"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is SQLite backed store.Store
type Store struct {
	db *sql.DB
}

// Open opens (creating when needed) database file and applies pending migrations
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't open database '%s'", path)
	}
	// Single writer connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Can't set pragmas")
	}
	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "Can't read embedded migrations")
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "Can't create sqlite migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, errors.Wrap(err, "Can't create migrate instance")
	}
	return m, nil
}

// MigrateUp applies all pending migrations
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it closes the shared *sql.DB
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "Migration up failed")
	}
	return nil
}

// MigrateVersion returns current schema version. Zero means empty database
func (s *Store) MigrateVersion() (uint, bool, error) {
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

// Save implements store.Sink
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO records
		(id, ts, camera_id, person_id, person_name, class_name, violation_type, similarity, is_violation, confirmed, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.CameraID, rec.PersonID, rec.PersonName, rec.ClassName,
		rec.ViolationType, rec.Similarity, rec.IsViolation, rec.Confirmed, string(rec.Severity),
	)
	if err != nil {
		return errors.Wrapf(err, "Can't insert record '%s'", rec.ID)
	}
	return nil
}

// ConfirmedViolations implements store.Querier
func (s *Store) ConfirmedViolations(ctx context.Context, limit, offset int) ([]store.Record, error) {
	limit, offset = store.ClampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, camera_id, person_id, person_name, class_name, violation_type, similarity, is_violation, confirmed, severity
		FROM records WHERE confirmed = 1 ORDER BY seq DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "Can't query confirmed violations")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountByCamera returns number of records per camera
func (s *Store) CountByCamera(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT camera_id, COUNT(*) FROM records GROUP BY camera_id`)
	if err != nil {
		return nil, errors.Wrap(err, "Can't count records")
	}
	defer rows.Close()
	counts := make(map[int]int)
	for rows.Next() {
		var cameraID, n int
		if err := rows.Scan(&cameraID, &n); err != nil {
			return nil, errors.Wrap(err, "Can't scan count")
		}
		counts[cameraID] = n
	}
	return counts, rows.Err()
}

// Close closes database
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	records := make([]store.Record, 0)
	for rows.Next() {
		rec := store.Record{}
		var severity string
		err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.CameraID, &rec.PersonID, &rec.PersonName, &rec.ClassName,
			&rec.ViolationType, &rec.Similarity, &rec.IsViolation, &rec.Confirmed, &severity)
		if err != nil {
			return nil, errors.Wrap(err, "Can't scan record")
		}
		rec.Severity = ppe.Severity(severity)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Can't iterate records")
	}
	return records, nil
}
