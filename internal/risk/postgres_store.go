package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/idgen"
	"github.com/mbd888/riskwatch/internal/retry"
)

// PostgresStore persists alerts and hourly buckets in PostgreSQL. It
// expects the activity tables to live in the same database.
type PostgresStore struct {
	db    *sql.DB
	retry retry.Policy
}

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	p := retry.Default
	p.Retryable = isTransient
	return &PostgresStore{db: db, retry: p}
}

// Schema is the DDL for the alert and rollup tables.
const Schema = `
	CREATE TABLE IF NOT EXISTS alerts (
		id            TEXT PRIMARY KEY,
		event_id      TEXT NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
		user_id       TEXT NOT NULL,
		risk_score    DOUBLE PRECISION NOT NULL CHECK (risk_score >= 0 AND risk_score <= 1),
		severity      TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high')),
		anomaly_type  TEXT NOT NULL DEFAULT '',
		explanation   TEXT NOT NULL DEFAULT '',
		scores        JSONB NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_user_created ON alerts (user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts (severity, created_at DESC);

	CREATE TABLE IF NOT EXISTS risk_history (
		user_id       TEXT NOT NULL,
		hour          TIMESTAMPTZ NOT NULL,
		max_risk      DOUBLE PRECISION NOT NULL DEFAULT 0,
		high_count    INTEGER NOT NULL DEFAULT 0,
		medium_count  INTEGER NOT NULL DEFAULT 0,
		low_count     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, hour)
	);

	CREATE INDEX IF NOT EXISTS idx_risk_history_hour ON risk_history (hour);
`

// Migrate creates the alert tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

const alertColumns = `id, event_id, user_id, risk_score, severity, anomaly_type, explanation, scores, created_at, updated_at`

func (s *PostgresStore) ApplyAlert(ctx context.Context, app *Application, compute ComputeFunc) (*Outcome, error) {
	var out *Outcome
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.applyOnce(ctx, app, compute)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) applyOnce(ctx context.Context, app *Application, compute ComputeFunc) (*Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ev, j := app.Event, app.Judgment

	// The user row lock serializes concurrent applies across processes.
	if _, err := tx.ExecContext(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, ev.UserID); err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	var previous float64
	if err := tx.QueryRowContext(ctx, `SELECT current_risk FROM users WHERE id = $1 FOR UPDATE`, ev.UserID).Scan(&previous); err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE events SET risk_score = $2, severity = $3, scored = TRUE, scored_at = $4
		WHERE id = $1
	`, ev.ID, j.RiskScore, string(j.Severity), app.At.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to score event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, activity.ErrEventNotFound
	}

	alert := newAlert(app, nil, idgen.WithPrefix(idgen.AlertPrefix))
	scores, err := json.Marshal(nonNilMap(alert.Scores))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scores: %w", err)
	}
	var inserted bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO UPDATE SET
			user_id = EXCLUDED.user_id, risk_score = EXCLUDED.risk_score,
			severity = EXCLUDED.severity, anomaly_type = EXCLUDED.anomaly_type,
			explanation = EXCLUDED.explanation, scores = EXCLUDED.scores,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, (xmax = 0)
	`, alert.ID, alert.EventID, alert.UserID, alert.RiskScore, string(alert.Severity),
		alert.AnomalyType, alert.Explanation, scores, alert.CreatedAt, alert.UpdatedAt,
	).Scan(&alert.ID, &alert.CreatedAt, &inserted)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert alert: %w", err)
	}

	st, err := userStats(ctx, tx, ev.UserID)
	if err != nil {
		return nil, err
	}
	comp := compute(st)

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET
			current_risk = $2,
			last_seen = $3,
			devices = CASE WHEN $4::text = '' OR $4::text = ANY(devices) THEN devices ELSE array_append(devices, $4::text) END
		WHERE id = $1
	`, ev.UserID, comp.Final, ev.Timestamp, ev.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to update user risk: %w", err)
	}

	// Counts are rebuilt from the hour's alerts so a reapplied judgment is
	// counted once; max_risk stays a running maximum.
	b := &Bucket{UserID: ev.UserID, Hour: HourOf(alert.CreatedAt)}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO risk_history (user_id, hour, max_risk, high_count, medium_count, low_count)
		SELECT $1, $2, COALESCE(MAX(risk_score), 0),
			COUNT(*) FILTER (WHERE severity = 'high'),
			COUNT(*) FILTER (WHERE severity = 'medium'),
			COUNT(*) FILTER (WHERE severity = 'low')
		FROM alerts
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ON CONFLICT (user_id, hour) DO UPDATE SET
			max_risk = GREATEST(risk_history.max_risk, EXCLUDED.max_risk),
			high_count = EXCLUDED.high_count,
			medium_count = EXCLUDED.medium_count,
			low_count = EXCLUDED.low_count
		RETURNING max_risk, high_count, medium_count, low_count
	`, b.UserID, b.Hour, b.Hour.Add(time.Hour),
	).Scan(&b.MaxRisk, &b.High, &b.Medium, &b.Low)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert risk bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit apply: %w", err)
	}
	return &Outcome{
		Alert:        alert,
		Created:      inserted,
		PreviousRisk: previous,
		Risk:         comp,
		Bucket:       b,
	}, nil
}

func (s *PostgresStore) UpdateUserRisk(ctx context.Context, userID string, decide DecideFunc) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		return s.updateRiskOnce(ctx, userID, decide)
	})
}

func (s *PostgresStore) updateRiskOnce(ctx context.Context, userID string, decide DecideFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin risk update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current float64
	err = tx.QueryRowContext(ctx, `SELECT current_risk FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	st, err := userStats(ctx, tx, userID)
	if err != nil {
		return err
	}

	risk, ok, err := decide(ctx, current, st)
	if err != nil || !ok {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET current_risk = $2 WHERE id = $1`, userID, risk); err != nil {
		return fmt.Errorf("failed to update user risk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit risk update: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userStats(ctx context.Context, q querier, userID string) (Stats, error) {
	var st Stats
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(risk_score), 0), COUNT(*) FILTER (WHERE severity = 'high')
		FROM alerts WHERE user_id = $1
	`, userID).Scan(&st.Total, &st.LifetimeAvg, &st.High)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate alerts: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT risk_score FROM alerts WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, RecentWindow)
	if err != nil {
		return st, fmt.Errorf("failed to load recent alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return st, fmt.Errorf("failed to scan alert score: %w", err)
		}
		st.Recent = append(st.Recent, score)
	}
	return st, rows.Err()
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	return s.getAlert(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
}

func (s *PostgresStore) GetAlertByEvent(ctx context.Context, eventID string) (*Alert, error) {
	return s.getAlert(ctx, `SELECT `+alertColumns+` FROM alerts WHERE event_id = $1`, eventID)
}

func (s *PostgresStore) getAlert(ctx context.Context, query, arg string) (*Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// where renders f as a WHERE clause with positional args.
func (f AlertFilter) where() (string, []any) {
	clause := "WHERE TRUE"
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		clause += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		clause += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		clause += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	return clause, args
}

func (s *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	clause, args := f.where()
	args = append(args, limitOrAll(f.Limit), f.Offset)
	return s.queryAlerts(ctx, fmt.Sprintf(`
		SELECT `+alertColumns+` FROM alerts %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, clause, len(args)-1, len(args)), args...)
}

func (s *PostgresStore) CountAlerts(ctx context.Context, f AlertFilter) (int, error) {
	clause, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts `+clause, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UserStats(ctx context.Context, userID string) (Stats, error) {
	return userStats(ctx, s.db, userID)
}

func (s *PostgresStore) SeverityCounts(ctx context.Context, since time.Time) (map[activity.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM alerts WHERE created_at >= $1 GROUP BY severity
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count severities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[activity.Severity]int{}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		counts[activity.Severity(sev)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) SearchAlerts(ctx context.Context, q string, limit int) ([]*Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE user_id ILIKE $1 OR anomaly_type ILIKE $1 OR explanation ILIKE $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, activity.LikePattern(q), limitOrAll(limit))
}

func (s *PostgresStore) Buckets(ctx context.Context, since time.Time) ([]*Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, hour, max_risk, high_count, medium_count, low_count
		FROM risk_history WHERE hour >= $1
		ORDER BY hour ASC, user_id ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.UserID, &b.Hour, &b.MaxRisk, &b.High, &b.Medium, &b.Low); err != nil {
			return nil, fmt.Errorf("failed to scan risk bucket: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(row interface{ Scan(dest ...any) error }) (*Alert, error) {
	var a Alert
	var sev string
	var scores []byte
	if err := row.Scan(&a.ID, &a.EventID, &a.UserID, &a.RiskScore, &sev, &a.AnomalyType,
		&a.Explanation, &scores, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Severity = activity.Severity(sev)
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &a.Scores); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// isTransient matches serialization failures and deadlocks.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
