package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/riskwatch/internal/idgen"
)

// PostgresStore persists events and users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the events and users tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Schema is the DDL for the activity tables. The migrations/ directory
// carries the same statements for goose.
const Schema = `
	CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT '',
		devices        TEXT[] NOT NULL DEFAULT '{}',
		last_seen      TIMESTAMPTZ,
		current_risk   DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (current_risk >= 0 AND current_risk <= 1),
		ai_summary     TEXT,
		ai_summary_at  TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_users_risk ON users (current_risk DESC);

	CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		user_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		action      TEXT NOT NULL,
		resource    TEXT NOT NULL DEFAULT '',
		src_ip      TEXT NOT NULL DEFAULT '',
		dst_ip      TEXT NOT NULL DEFAULT '',
		device      TEXT NOT NULL DEFAULT '',
		size        BIGINT NOT NULL DEFAULT 0,
		raw         JSONB NOT NULL DEFAULT '{}',
		risk_score  DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (risk_score >= 0 AND risk_score <= 1),
		severity    TEXT NOT NULL DEFAULT 'low' CHECK (severity IN ('low', 'medium', 'high')),
		scored      BOOLEAN NOT NULL DEFAULT FALSE,
		scored_at   TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events (user_id, ts);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts DESC);
	CREATE INDEX IF NOT EXISTS idx_events_unscored ON events (ts) WHERE NOT scored;
`

const eventColumns = `id, ts, user_id, kind, action, resource, src_ip, dst_ip, device, size, raw,
	risk_score, severity, scored, scored_at`

func (s *PostgresStore) SaveEvent(ctx context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix(idgen.EventPrefix)
	}
	if ev.Severity == "" {
		ev.Severity = SeverityLow
	}
	raw, err := json.Marshal(ev.Raw)
	if err != nil {
		return fmt.Errorf("failed to marshal raw payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`,
		ev.ID, ev.Timestamp, ev.UserID, string(ev.Kind), ev.Action, ev.Resource,
		ev.SrcIP, ev.DstIP, ev.Device, ev.Size, raw,
		ev.RiskScore, string(ev.Severity), ev.Scored, ev.ScoredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventExists
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) FindEvents(ctx context.Context, userID string, from, to time.Time) ([]*Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC, id ASC
	`, userID, from, to)
}

func (s *PostgresStore) ScoreEvent(ctx context.Context, id string, score float64, severity Severity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET risk_score = $2, severity = $3, scored = TRUE, scored_at = NOW()
		WHERE id = $1
	`, id, score, string(severity))
	if err != nil {
		return fmt.Errorf("failed to score event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) ListUnscored(ctx context.Context, limit int) ([]*Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE NOT scored
		ORDER BY ts ASC, id ASC
		LIMIT $1
	`, limitOrAll(limit))
}

func (s *PostgresStore) ListUserEvents(ctx context.Context, userID string, before *time.Time, limit int) ([]*Event, error) {
	if before != nil {
		return s.queryEvents(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE user_id = $1 AND ts < $2
			ORDER BY ts DESC, id DESC
			LIMIT $3
		`, userID, *before, limitOrAll(limit))
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, userID, limitOrAll(limit))
}

func (s *PostgresStore) EventsAround(ctx context.Context, ev *Event, window int) ([]*Event, []*Event, error) {
	before, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = $1 AND ts < $2
		ORDER BY ts DESC, id DESC
		LIMIT $3
	`, ev.UserID, ev.Timestamp, window)
	if err != nil {
		return nil, nil, err
	}
	reverse(before)

	after, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = $1 AND ts > $2
		ORDER BY ts ASC, id ASC
		LIMIT $3
	`, ev.UserID, ev.Timestamp, window)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func (s *PostgresStore) ScoredEventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = $1 AND scored AND risk_score > 0 AND ts >= $2
		ORDER BY ts DESC, id DESC
		LIMIT $3
	`, userID, since, limitOrAll(limit))
}

func (s *PostgresStore) CountEventsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE ts >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountUserEvents(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count user events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountEventsByKind(ctx context.Context, userID string, since time.Time) (map[Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM events
		WHERE user_id = $1 AND ts >= $2
		GROUP BY kind
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		counts[Kind(kind)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) SearchEvents(ctx context.Context, q string, limit int) ([]*Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id ILIKE $1 OR action ILIKE $1 OR resource ILIKE $1 OR device ILIKE $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, LikePattern(q), limitOrAll(limit))
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var ev Event
	var kind, severity string
	var raw []byte
	var scoredAt sql.NullTime
	if err := row.Scan(&ev.ID, &ev.Timestamp, &ev.UserID, &kind, &ev.Action, &ev.Resource,
		&ev.SrcIP, &ev.DstIP, &ev.Device, &ev.Size, &raw,
		&ev.RiskScore, &severity, &ev.Scored, &scoredAt); err != nil {
		return nil, err
	}
	ev.Kind = Kind(kind)
	ev.Severity = Severity(severity)
	if scoredAt.Valid {
		t := scoredAt.Time
		ev.ScoredAt = &t
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ev.Raw); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}

// --- users ---

// UserColumns is the column list ScanUser expects.
const UserColumns = `id, name, role, devices, last_seen, current_risk, ai_summary, ai_summary_at`

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := ScanUser(s.db.QueryRowContext(ctx, `SELECT `+UserColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role, devices, current_risk)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
			role = COALESCE(NULLIF(EXCLUDED.role, ''), users.role)
	`, u.ID, u.Name, u.Role, pq.Array(nonNil(u.Devices)), u.CurrentRisk)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, by UserSort, limit, offset int) ([]*User, error) {
	order := "current_risk DESC, id ASC"
	if by == SortByLastSeen {
		order = "last_seen DESC NULLS LAST, id ASC"
	}
	return s.queryUsers(ctx, `
		SELECT `+UserColumns+` FROM users
		ORDER BY `+order+`
		LIMIT $1 OFFSET $2
	`, limitOrAll(limit), offset)
}

func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) (map[string]*User, error) {
	users, err := s.queryUsers(ctx, `SELECT `+UserColumns+` FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	out := make(map[string]*User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *PostgresStore) SearchUsers(ctx context.Context, q string, limit int) ([]*User, error) {
	return s.queryUsers(ctx, `
		SELECT `+UserColumns+` FROM users
		WHERE id ILIKE $1 OR name ILIKE $1 OR role ILIKE $1
		ORDER BY current_risk DESC, id ASC
		LIMIT $2
	`, LikePattern(q), limitOrAll(limit))
}

func (s *PostgresStore) SetUserRisk(ctx context.Context, id string, risk float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET current_risk = $2 WHERE id = $1`, id, risk)
	if err != nil {
		return fmt.Errorf("failed to set user risk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) SetAISummary(ctx context.Context, id string, summary Summary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET ai_summary = $2, ai_summary_at = $3 WHERE id = $1
	`, id, summary.Text, summary.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store ai summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*User
	for rows.Next() {
		u, err := ScanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ScanUser reads one row selected with the users column list
// (id, name, role, devices, last_seen, current_risk, ai_summary, ai_summary_at).
func ScanUser(row interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	var devices pq.StringArray
	var lastSeen, summaryAt sql.NullTime
	var summary sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &devices, &lastSeen, &u.CurrentRisk, &summary, &summaryAt); err != nil {
		return nil, err
	}
	u.Devices = nonNil([]string(devices))
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeen = &t
	}
	if summary.Valid && summaryAt.Valid {
		u.AISummary = &Summary{Text: summary.String, UpdatedAt: summaryAt.Time}
	}
	return &u, nil
}

// LikePattern builds a case-insensitive substring pattern for ILIKE,
// escaping the LIKE metacharacters in q.
func LikePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// limitOrAll maps non-positive limits to NULL, which Postgres treats as no limit.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
