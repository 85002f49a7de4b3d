// Package persist keeps the values written to a device's objects in
// SQLite so they survive a restart.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgeo/bacnet-stack/bacnet"
)

// noPriority is stored for values that are not commands
const noPriority = 0

// Saved is one persisted property value
type Saved struct {
	ObjectID   bacnet.ObjectIdentifier
	PropertyID bacnet.PropertyIdentifier
	Priority   *uint8
	Value      interface{}
	UpdatedAt  time.Time
}

// Store persists property values
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database at path, ":memory:" included, and migrates it
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection, so an in-memory database is shared by every query
	db.SetMaxOpenConns(1)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// migrate runs the pending migrations in order
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for i, m := range migrations {
		version := i + 1
		if version <= current {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if err := m(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

var migrations = []func(*sql.Tx) error{
	migrateV1,
}

func migrateV1(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE TABLE property_values (
		object_type INTEGER NOT NULL,
		instance    INTEGER NOT NULL,
		property    INTEGER NOT NULL,
		priority    INTEGER NOT NULL,
		value       BLOB NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (object_type, instance, property, priority)
	)`)
	return err
}

// Save records a change. A relinquished command deletes the saved value of
// its priority.
func (s *Store) Save(ctx context.Context, ev bacnet.ChangeEvent) error {
	if ev.ArrayIndex != nil {
		return fmt.Errorf("persist: array element writes are not saved")
	}

	prio := noPriority
	if ev.Priority != nil {
		prio = int(*ev.Priority)
	}

	if ev.Value == nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM property_values WHERE object_type = ? AND instance = ? AND property = ? AND priority = ?`,
			int(ev.ObjectID.Type), ev.ObjectID.Instance, int(ev.PropertyID), prio)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", ev.ObjectID, ev.PropertyID, err)
		}
		return nil
	}

	value, err := bacnet.EncodeApplicationValue(ev.Value)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", ev.ObjectID, ev.PropertyID, err)
	}

	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO property_values (object_type, instance, property, priority, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (object_type, instance, property, priority)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		int(ev.ObjectID.Type), ev.ObjectID.Instance, int(ev.PropertyID), prio, value, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("save %s %s: %w", ev.ObjectID, ev.PropertyID, err)
	}
	return nil
}

// Values returns the saved values ordered by object, property and priority
func (s *Store) Values(ctx context.Context) ([]Saved, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT object_type, instance, property, priority, value, updated_at
		FROM property_values
		ORDER BY object_type, instance, property, priority`)
	if err != nil {
		return nil, fmt.Errorf("query values: %w", err)
	}
	defer rows.Close()

	var saved []Saved
	for rows.Next() {
		var (
			objectType, property, prio int
			instance                   uint32
			data                       []byte
			updated                    int64
		)
		if err := rows.Scan(&objectType, &instance, &property, &prio, &data, &updated); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}

		value, _, err := bacnet.DecodeApplicationValue(data)
		if err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}

		sv := Saved{
			ObjectID:   bacnet.NewObjectIdentifier(bacnet.ObjectType(objectType), instance),
			PropertyID: bacnet.PropertyIdentifier(property),
			Value:      value,
			UpdatedAt:  time.UnixMilli(updated),
		}
		if prio != noPriority {
			p := uint8(prio)
			sv.Priority = &p
		}
		saved = append(saved, sv)
	}
	return saved, rows.Err()
}

// Attach restores the saved values into objects, then saves every later
// change written through WriteProperty. Local updates such as simulated
// inputs are not saved, and neither are saved values the objects no longer
// accept. The returned function stops saving.
func (s *Store) Attach(ctx context.Context, objects *bacnet.ObjectStore) (func(), error) {
	saved, err := s.Values(ctx)
	if err != nil {
		return nil, err
	}

	restored := 0
	for _, sv := range saved {
		if err := objects.Restore(sv.ObjectID, sv.PropertyID, sv.Value, sv.Priority); err != nil {
			s.logger.Warn("saved value skipped",
				slog.String("object", sv.ObjectID.String()),
				slog.String("property", sv.PropertyID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	s.logger.Info("values restored", slog.Int("count", restored))

	return objects.Subscribe(func(ev bacnet.ChangeEvent) {
		if !ev.Remote || ev.ArrayIndex != nil {
			return
		}
		if err := s.Save(context.Background(), ev); err != nil {
			s.logger.Error("saving value failed",
				slog.String("object", ev.ObjectID.String()),
				slog.String("error", err.Error()),
			)
		}
	}), nil
}
