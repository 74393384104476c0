package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	MetaLastProbeAt = "last_probe_at"
	MetaStartedAt   = "started_at"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS probe_transitions (
			id          INTEGER PRIMARY KEY,
			integration TEXT NOT NULL,
			from_state  TEXT NOT NULL,
			to_state    TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			ts_ms       INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create probe_transitions: %w", err)
	}

	// latency_ms arrived after the first release; ignore "duplicate column" errors.
	if _, alterErr := d.sql.Exec(`ALTER TABLE probe_transitions ADD COLUMN latency_ms INTEGER NOT NULL DEFAULT 0`); alterErr != nil {
		if !isDuplicateColumnError(alterErr) {
			return fmt.Errorf("alter probe_transitions add latency_ms: %w", alterErr)
		}
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_probe_transitions_integration ON probe_transitions(integration, ts_ms DESC)`); err != nil {
		return fmt.Errorf("index probe_transitions: %w", err)
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func (d *DB) RecordTransition(t Transition) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := d.sql.Exec(
		`INSERT INTO probe_transitions (integration, from_state, to_state, detail, latency_ms, ts_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		t.Integration, string(t.From), string(t.To), t.Detail, t.LatencyMs, t.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// RecentTransitions returns the newest transitions first. An empty
// integration matches all of them.
func (d *DB) RecentTransitions(integration string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.Query(
		`SELECT id, integration, from_state, to_state, detail, latency_ms, ts_ms
		 FROM probe_transitions
		 WHERE ? = '' OR integration = ?
		 ORDER BY ts_ms DESC, id DESC
		 LIMIT ?`,
		integration, integration, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		var tsMs int64
		if err := rows.Scan(&t.ID, &t.Integration, &from, &to, &t.Detail, &t.LatencyMs, &tsMs); err != nil {
			return nil, err
		}
		t.From, t.To = HealthState(from), HealthState(to)
		t.At = time.UnixMilli(tsMs)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneTransitions deletes transitions older than before and reports how
// many rows went.
func (d *DB) PruneTransitions(before time.Time) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM probe_transitions WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetaTime stores t as unix milliseconds.
func (d *DB) SetMetaTime(key string, t time.Time) error {
	return d.SetMeta(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// MetaTime returns the zero time when key is unset or unparsable.
func (d *DB) MetaTime(key string) time.Time {
	v, _ := d.GetMeta(key)
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
