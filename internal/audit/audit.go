// Package audit provides a durable status-history sink: a Publisher
// decorator that appends every AddressStatus/ProcessStatus/
// ApplicationStatus transition to a local SQLite database before forwarding
// it to the real Publisher. This is purely additive observability — it is
// not the Non-goal "persistence of plans across restarts" (spec.md §1):
// plans are still rebuilt from ticks and process info on every restart;
// only the history of what happened is durable.
package audit

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sink wraps a collab.Publisher, writing every published status to SQLite
// before forwarding it to inner.
type Sink struct {
	inner collab.Publisher
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if needed) the SQLite database at dsn, runs pending
// migrations, and returns a Sink that forwards to inner.
func Open(dsn string, c clock.Clock, inner collab.Publisher) (*Sink, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running audit migrations: %w", err)
	}
	return &Sink{inner: inner, db: db, clock: c}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migration source: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database. The wrapped Publisher, if it holds
// its own resources, is the caller's responsibility to close.
func (s *Sink) Close() error {
	return s.db.Close()
}

func (s *Sink) record(kind, key, state string, detail any) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO status_history (recorded_at, kind, key, state, detail) VALUES (?, ?, ?, ?, ?)`,
		s.clock.Now(), kind, key, state, string(detailJSON),
	)
	if err != nil {
		// Audit failures never block the core's own publish path; the
		// in-memory status is still authoritative.
		return
	}
}

func (s *Sink) SendAddressStatus(a clusterstate.AddressStatus) {
	s.record("address", string(a.Addr), a.State.String(), map[string]any{
		"checked":     a.Checked,
		"remote_time": a.RemoteTime,
		"local_time":  a.LocalTime,
	})
	s.inner.SendAddressStatus(a)
}

func (s *Sink) SendProcessStatus(p clusterstate.ProcessStatus) {
	s.record("process", p.Namespec().String(), p.State.String(), map[string]any{
		"addresses": p.ActiveAddresses(),
	})
	s.inner.SendProcessStatus(p)
}

func (s *Sink) SendApplicationStatus(a clusterstate.ApplicationStatus) {
	s.record("application", a.Name, a.State.String(), map[string]any{
		"major_failure": a.MajorFailure,
		"minor_failure": a.MinorFailure,
	})
	s.inner.SendApplicationStatus(a)
}

// Record is one row of status_history, returned by History.
type Record struct {
	ID         int64
	RecordedAt string
	Kind       string
	Key        string
	State      string
	Detail     string
}

// History returns the most recent limit status_history rows for (kind,
// key), newest first — the read-only query surface SPEC_FULL.md's demo CLI
// exposes.
func (s *Sink) History(kind, key string, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, recorded_at, kind, key, state, detail FROM status_history
		 WHERE kind = ? AND key = ? ORDER BY id DESC LIMIT ?`,
		kind, key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.RecordedAt, &r.Kind, &r.Key, &r.State, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning status history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
