package statsdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistent stats store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statsdb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS daemon (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  start_time_unix INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS relay_traffic (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  up_total INTEGER NOT NULL DEFAULT 0,
  down_total INTEGER NOT NULL DEFAULT 0,
  up_last_seen INTEGER NOT NULL DEFAULT 0,
  down_last_seen INTEGER NOT NULL DEFAULT 0,
  updated_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS traffic_history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  at_unix INTEGER NOT NULL,
  session_up INTEGER NOT NULL,
  session_down INTEGER NOT NULL,
  lifetime_up INTEGER NOT NULL,
  lifetime_down INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_usage (
  day TEXT PRIMARY KEY,
  client_seconds REAL NOT NULL DEFAULT 0,
  peak_clients INTEGER NOT NULL DEFAULT 0
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("statsdb: init schema: %w", err)
	}
	return nil
}

// SetDaemonStartTime records the bot start time (upsert, id=1).
func (s *Store) SetDaemonStartTime(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon (id, start_time_unix) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET start_time_unix = excluded.start_time_unix`,
		t.Unix(),
	)
	if err != nil {
		return fmt.Errorf("statsdb: set daemon start time: %w", err)
	}
	return nil
}

// GetDaemonStartTime returns the stored bot start time.
func (s *Store) GetDaemonStartTime() (time.Time, error) {
	var unix int64
	err := s.db.QueryRow(`SELECT start_time_unix FROM daemon WHERE id = 1`).Scan(&unix)
	if err != nil {
		return time.Time{}, fmt.Errorf("statsdb: get daemon start time: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// RecordSample folds one metrics read into the lifetime counters, appends a
// history point and accumulates today's client-seconds, all in one
// transaction. The relay's byte counters reset when it restarts; a counter
// lower than the last seen value is treated as a fresh baseline.
func (s *Store) RecordSample(smp Sample) (Totals, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Totals{}, fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	var upLS, downLS, upTotal, downTotal int64
	err = tx.QueryRow(
		`SELECT up_last_seen, down_last_seen, up_total, down_total
		 FROM relay_traffic WHERE id = 1`).Scan(&upLS, &downLS, &upTotal, &downTotal)
	switch {
	case err == sql.ErrNoRows:
		upTotal, downTotal = smp.BytesUploaded, smp.BytesDownloaded
	case err != nil:
		return Totals{}, fmt.Errorf("statsdb: select relay traffic: %w", err)
	default:
		upTotal += delta(smp.BytesUploaded, upLS)
		downTotal += delta(smp.BytesDownloaded, downLS)
	}

	if _, err := tx.Exec(
		`INSERT INTO relay_traffic (id, up_total, down_total, up_last_seen, down_last_seen, updated_unix)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   up_total = excluded.up_total, down_total = excluded.down_total,
		   up_last_seen = excluded.up_last_seen, down_last_seen = excluded.down_last_seen,
		   updated_unix = excluded.updated_unix`,
		upTotal, downTotal, smp.BytesUploaded, smp.BytesDownloaded, smp.At.Unix(),
	); err != nil {
		return Totals{}, fmt.Errorf("statsdb: upsert relay traffic: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO traffic_history (at_unix, session_up, session_down, lifetime_up, lifetime_down)
		 VALUES (?, ?, ?, ?, ?)`,
		smp.At.Unix(), smp.BytesUploaded, smp.BytesDownloaded, upTotal, downTotal,
	); err != nil {
		return Totals{}, fmt.Errorf("statsdb: insert history: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM traffic_history WHERE seq NOT IN
		 (SELECT seq FROM traffic_history ORDER BY seq DESC LIMIT ?)`, HistoryMax,
	); err != nil {
		return Totals{}, fmt.Errorf("statsdb: trim history: %w", err)
	}

	day := dayKey(smp.At)
	if _, err := tx.Exec(
		`INSERT INTO daily_usage (day, client_seconds, peak_clients) VALUES (?, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET
		   client_seconds = client_seconds + excluded.client_seconds,
		   peak_clients = MAX(peak_clients, excluded.peak_clients)`,
		day, float64(smp.ConnectedClients)*smp.Interval.Seconds(), smp.ConnectedClients,
	); err != nil {
		return Totals{}, fmt.Errorf("statsdb: upsert daily usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Totals{}, fmt.Errorf("statsdb: commit sample: %w", err)
	}
	return s.Totals(smp.At)
}

func delta(curr, lastSeen int64) int64 {
	d := curr - lastSeen
	if d < 0 {
		return curr
	}
	return d
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Totals returns lifetime traffic and usage for the UTC day containing now.
// A day with no samples reports zero usage, so the counter resets at midnight.
func (s *Store) Totals(now time.Time) (Totals, error) {
	t := Totals{Day: dayKey(now)}

	err := s.db.QueryRow(`SELECT up_total, down_total FROM relay_traffic WHERE id = 1`).
		Scan(&t.LifetimeUp, &t.LifetimeDown)
	if err != nil && err != sql.ErrNoRows {
		return t, fmt.Errorf("statsdb: select relay traffic: %w", err)
	}

	err = s.db.QueryRow(`SELECT client_seconds, peak_clients FROM daily_usage WHERE day = ?`, t.Day).
		Scan(&t.ClientSecondsToday, &t.PeakClientsToday)
	if err != nil && err != sql.ErrNoRows {
		return t, fmt.Errorf("statsdb: select daily usage: %w", err)
	}
	return t, nil
}

// History returns up to limit most recent points, oldest first.
func (s *Store) History(limit int) ([]HistoryPoint, error) {
	if limit <= 0 || limit > HistoryMax {
		limit = HistoryMax
	}
	rows, err := s.db.Query(
		`SELECT at_unix, session_up, session_down, lifetime_up, lifetime_down FROM
		 (SELECT * FROM traffic_history ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.AtUnix, &p.SessionUp, &p.SessionDown, &p.LifetimeUp, &p.LifetimeDown); err != nil {
			return nil, fmt.Errorf("statsdb: scan history: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate history: %w", err)
	}
	return out, nil
}
