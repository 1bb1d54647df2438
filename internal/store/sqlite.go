package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fleetops/fleetsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	task        TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_records (
	identity    TEXT PRIMARY KEY,
	vehicle_ref TEXT NOT NULL,
	status      TEXT NOT NULL,
	matched     INTEGER NOT NULL DEFAULT 0,
	record      TEXT NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts (
	id            TEXT PRIMARY KEY,
	settlement_ts DATETIME NOT NULL,
	payout        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry_events (
	vehicle_ref TEXT NOT NULL,
	ts          DATETIME NOT NULL,
	event       TEXT NOT NULL,
	PRIMARY KEY (vehicle_ref, ts)
);

CREATE TABLE IF NOT EXISTS vehicles (
	id      TEXT PRIMARY KEY,
	vehicle TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reviews (
	vehicle_ref TEXT NOT NULL,
	ts          DATETIME NOT NULL,
	review      TEXT NOT NULL,
	PRIMARY KEY (vehicle_ref, ts)
);

CREATE TABLE IF NOT EXISTS sync_log (
	kind         TEXT PRIMARY KEY,
	last_success DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind);
CREATE INDEX IF NOT EXISTS idx_records_vehicle ON unified_records(vehicle_ref);
CREATE INDEX IF NOT EXISTS idx_payouts_settlement ON payouts(settlement_ts);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task model.ScrapeTask) error {
	buf, err := json.Marshal(task)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, status, task, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, task = excluded.task`,
		task.ID, string(task.Kind), string(task.Status), string(buf), task.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save task")
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.ScrapeTask, error) {
	query := `SELECT task FROM tasks WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close() //nolint:errcheck

	var tasks []model.ScrapeTask
	for rows.Next() {
		var buf string
		if err := rows.Scan(&buf); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		var task model.ScrapeTask
		if err := json.Unmarshal([]byte(buf), &task); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal task")
		}
		tasks = append(tasks, task)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec model.UnifiedTripRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO unified_records (identity, vehicle_ref, status, matched, record, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
			vehicle_ref = excluded.vehicle_ref,
			status      = excluded.status,
			matched     = excluded.matched,
			record      = excluded.record,
			updated_at  = excluded.updated_at`,
		rec.Identity().String(), rec.Trip.VehicleRef, string(rec.Trip.Status),
		boolToInt(rec.Matched()), string(buf), rec.UpdatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save record")
}

func (s *SQLiteStore) LoadRecords(ctx context.Context) ([]model.UnifiedTripRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM unified_records ORDER BY identity`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load records")
	}
	defer rows.Close() //nolint:errcheck

	var recs []model.UnifiedTripRecord
	for rows.Next() {
		var buf string
		if err := rows.Scan(&buf); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		var rec model.UnifiedTripRecord
		if err := json.Unmarshal([]byte(buf), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

func (s *SQLiteStore) SavePayouts(ctx context.Context, payouts []model.Payout) error {
	return s.saveJSONRows(ctx, "sqlite: save payout",
		`INSERT INTO payouts (id, settlement_ts, payout) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET settlement_ts = excluded.settlement_ts, payout = excluded.payout`,
		len(payouts), func(i int) ([]any, error) {
			buf, err := json.Marshal(payouts[i])
			if err != nil {
				return nil, err
			}
			return []any{payouts[i].PayoutID, payouts[i].SettlementTS.UTC(), string(buf)}, nil
		})
}

func (s *SQLiteStore) LoadPayouts(ctx context.Context) ([]model.Payout, error) {
	return loadJSONRows[model.Payout](ctx, s.db, `SELECT payout FROM payouts ORDER BY id`, "sqlite: load payouts")
}

func (s *SQLiteStore) SaveTelemetry(ctx context.Context, events []model.TelemetryEvent) error {
	return s.saveJSONRows(ctx, "sqlite: save telemetry",
		`INSERT INTO telemetry_events (vehicle_ref, ts, event) VALUES (?, ?, ?)
		 ON CONFLICT(vehicle_ref, ts) DO UPDATE SET event = excluded.event`,
		len(events), func(i int) ([]any, error) {
			buf, err := json.Marshal(events[i])
			if err != nil {
				return nil, err
			}
			return []any{events[i].VehicleRef, events[i].TS.UTC(), string(buf)}, nil
		})
}

func (s *SQLiteStore) LoadTelemetry(ctx context.Context) ([]model.TelemetryEvent, error) {
	return loadJSONRows[model.TelemetryEvent](ctx, s.db,
		`SELECT event FROM telemetry_events ORDER BY vehicle_ref, ts`, "sqlite: load telemetry")
}

func (s *SQLiteStore) SaveVehicles(ctx context.Context, vehicles []model.Vehicle) error {
	return s.saveJSONRows(ctx, "sqlite: save vehicle",
		`INSERT INTO vehicles (id, vehicle) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET vehicle = excluded.vehicle`,
		len(vehicles), func(i int) ([]any, error) {
			buf, err := json.Marshal(vehicles[i])
			if err != nil {
				return nil, err
			}
			return []any{vehicles[i].VehicleID, string(buf)}, nil
		})
}

func (s *SQLiteStore) LoadVehicles(ctx context.Context) ([]model.Vehicle, error) {
	return loadJSONRows[model.Vehicle](ctx, s.db, `SELECT vehicle FROM vehicles ORDER BY id`, "sqlite: load vehicles")
}

func (s *SQLiteStore) SaveReviews(ctx context.Context, reviews []model.Review) error {
	return s.saveJSONRows(ctx, "sqlite: save review",
		`INSERT INTO reviews (vehicle_ref, ts, review) VALUES (?, ?, ?)
		 ON CONFLICT(vehicle_ref, ts) DO UPDATE SET review = excluded.review`,
		len(reviews), func(i int) ([]any, error) {
			buf, err := json.Marshal(reviews[i])
			if err != nil {
				return nil, err
			}
			return []any{reviews[i].VehicleRef, reviews[i].TS.UTC(), string(buf)}, nil
		})
}

func (s *SQLiteStore) LoadReviews(ctx context.Context) ([]model.Review, error) {
	return loadJSONRows[model.Review](ctx, s.db,
		`SELECT review FROM reviews ORDER BY vehicle_ref, ts`, "sqlite: load reviews")
}

func (s *SQLiteStore) LastSuccess(ctx context.Context, kind model.TaskKind) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_success FROM sync_log WHERE kind = ?`, string(kind),
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: last success")
	}
	return ts.UTC(), nil
}

func (s *SQLiteStore) RecordSuccess(ctx context.Context, kind model.TaskKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (kind, last_success) VALUES (?, ?)
		 ON CONFLICT(kind) DO UPDATE SET last_success = excluded.last_success`,
		string(kind), at.UTC(),
	)
	return eris.Wrap(err, "sqlite: record success")
}

// saveJSONRows writes n rows inside one transaction.
func (s *SQLiteStore) saveJSONRows(ctx context.Context, wrap, query string, n int, argsFor func(int) ([]any, error)) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, wrap+": begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return eris.Wrap(err, wrap+": prepare")
	}
	defer stmt.Close() //nolint:errcheck

	for i := 0; i < n; i++ {
		args, err := argsFor(i)
		if err != nil {
			return eris.Wrap(err, wrap+": marshal")
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrap(err, wrap)
		}
	}
	return eris.Wrap(tx.Commit(), wrap+": commit")
}

func loadJSONRows[T any](ctx context.Context, db *sql.DB, query, wrap string) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, wrap)
	}
	defer rows.Close() //nolint:errcheck

	var out []T
	for rows.Next() {
		var buf string
		if err := rows.Scan(&buf); err != nil {
			return nil, eris.Wrap(err, wrap+": scan")
		}
		var v T
		if err := json.Unmarshal([]byte(buf), &v); err != nil {
			return nil, eris.Wrap(err, wrap+": unmarshal")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), wrap+": iterate")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
