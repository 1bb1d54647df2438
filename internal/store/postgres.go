package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/fleetops/fleetsync/internal/db"
	"github.com/fleetops/fleetsync/internal/model"
)

// PostgresStore implements Store on top of a pgx pool. Telemetry writes
// go through the bulk COPY upsert path; everything else is row-at-a-time
// inside a transaction.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres wraps an existing pool. closeFn is invoked by Close and
// may be nil (pgxmock in tests manages its own lifecycle).
func NewPostgres(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: closeFn}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	task        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_records (
	identity    TEXT PRIMARY KEY,
	vehicle_ref TEXT NOT NULL,
	status      TEXT NOT NULL,
	matched     BOOLEAN NOT NULL DEFAULT FALSE,
	record      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts (
	id            TEXT PRIMARY KEY,
	settlement_ts TIMESTAMPTZ NOT NULL,
	payout        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry_events (
	vehicle_ref TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	event       JSONB NOT NULL,
	PRIMARY KEY (vehicle_ref, ts)
);

CREATE TABLE IF NOT EXISTS vehicles (
	id      TEXT PRIMARY KEY,
	vehicle JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS reviews (
	vehicle_ref TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	review      JSONB NOT NULL,
	PRIMARY KEY (vehicle_ref, ts)
);

CREATE TABLE IF NOT EXISTS sync_log (
	kind         TEXT PRIMARY KEY,
	last_success TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind);
CREATE INDEX IF NOT EXISTS idx_records_vehicle ON unified_records(vehicle_ref);
CREATE INDEX IF NOT EXISTS idx_payouts_settlement ON payouts(settlement_ts);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task model.ScrapeTask) error {
	buf, err := json.Marshal(task)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, kind, status, task, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, task = EXCLUDED.task`,
		task.ID, string(task.Kind), string(task.Status), buf, task.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: save task")
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.ScrapeTask, error) {
	query := `SELECT task FROM tasks WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += ` AND kind = $` + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.ScrapeTask
	for rows.Next() {
		var buf []byte
		if err := rows.Scan(&buf); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		var task model.ScrapeTask
		if err := json.Unmarshal(buf, &task); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal task")
		}
		tasks = append(tasks, task)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec model.UnifiedTripRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO unified_records (identity, vehicle_ref, status, matched, record, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (identity) DO UPDATE SET
			vehicle_ref = EXCLUDED.vehicle_ref,
			status      = EXCLUDED.status,
			matched     = EXCLUDED.matched,
			record      = EXCLUDED.record,
			updated_at  = EXCLUDED.updated_at`,
		rec.Identity().String(), rec.Trip.VehicleRef, string(rec.Trip.Status),
		rec.Matched(), buf, rec.UpdatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: save record")
}

func (s *PostgresStore) LoadRecords(ctx context.Context) ([]model.UnifiedTripRecord, error) {
	return loadPGRows[model.UnifiedTripRecord](ctx, s.pool,
		`SELECT record FROM unified_records ORDER BY identity`, "postgres: load records")
}

func (s *PostgresStore) SavePayouts(ctx context.Context, payouts []model.Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save payouts: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, p := range payouts {
		buf, err := json.Marshal(p)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal payout")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO payouts (id, settlement_ts, payout) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET settlement_ts = EXCLUDED.settlement_ts, payout = EXCLUDED.payout`,
			p.PayoutID, p.SettlementTS.UTC(), buf,
		); err != nil {
			return eris.Wrap(err, "postgres: save payout")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save payouts: commit")
}

func (s *PostgresStore) LoadPayouts(ctx context.Context) ([]model.Payout, error) {
	return loadPGRows[model.Payout](ctx, s.pool, `SELECT payout FROM payouts ORDER BY id`, "postgres: load payouts")
}

// SaveTelemetry uses the bulk COPY path: telemetry is the only feed
// that arrives thousands of rows at a time.
func (s *PostgresStore) SaveTelemetry(ctx context.Context, events []model.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		buf, err := json.Marshal(e)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal telemetry event")
		}
		rows = append(rows, []any{e.VehicleRef, e.TS.UTC(), buf})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "telemetry_events",
		Columns:      []string{"vehicle_ref", "ts", "event"},
		ConflictKeys: []string{"vehicle_ref", "ts"},
	}, rows)
	return eris.Wrap(err, "postgres: save telemetry")
}

func (s *PostgresStore) LoadTelemetry(ctx context.Context) ([]model.TelemetryEvent, error) {
	return loadPGRows[model.TelemetryEvent](ctx, s.pool,
		`SELECT event FROM telemetry_events ORDER BY vehicle_ref, ts`, "postgres: load telemetry")
}

func (s *PostgresStore) SaveVehicles(ctx context.Context, vehicles []model.Vehicle) error {
	if len(vehicles) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save vehicles: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, v := range vehicles {
		buf, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal vehicle")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO vehicles (id, vehicle) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET vehicle = EXCLUDED.vehicle`,
			v.VehicleID, buf,
		); err != nil {
			return eris.Wrap(err, "postgres: save vehicle")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save vehicles: commit")
}

func (s *PostgresStore) LoadVehicles(ctx context.Context) ([]model.Vehicle, error) {
	return loadPGRows[model.Vehicle](ctx, s.pool, `SELECT vehicle FROM vehicles ORDER BY id`, "postgres: load vehicles")
}

func (s *PostgresStore) SaveReviews(ctx context.Context, reviews []model.Review) error {
	if len(reviews) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save reviews: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range reviews {
		buf, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal review")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO reviews (vehicle_ref, ts, review) VALUES ($1, $2, $3)
			 ON CONFLICT (vehicle_ref, ts) DO UPDATE SET review = EXCLUDED.review`,
			r.VehicleRef, r.TS.UTC(), buf,
		); err != nil {
			return eris.Wrap(err, "postgres: save review")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save reviews: commit")
}

func (s *PostgresStore) LoadReviews(ctx context.Context) ([]model.Review, error) {
	return loadPGRows[model.Review](ctx, s.pool,
		`SELECT review FROM reviews ORDER BY vehicle_ref, ts`, "postgres: load reviews")
}

func (s *PostgresStore) LastSuccess(ctx context.Context, kind model.TaskKind) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_success FROM sync_log WHERE kind = $1`, string(kind),
	).Scan(&ts)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: last success")
	}
	return ts.UTC(), nil
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, kind model.TaskKind, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_log (kind, last_success) VALUES ($1, $2)
		 ON CONFLICT (kind) DO UPDATE SET last_success = EXCLUDED.last_success`,
		string(kind), at.UTC(),
	)
	return eris.Wrap(err, "postgres: record success")
}

func loadPGRows[T any](ctx context.Context, pool db.Pool, query, wrap string) ([]T, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, wrap)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var buf []byte
		if err := rows.Scan(&buf); err != nil {
			return nil, eris.Wrap(err, wrap+": scan")
		}
		var v T
		if err := json.Unmarshal(buf, &v); err != nil {
			return nil, eris.Wrap(err, wrap+": unmarshal")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), wrap+": iterate")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
