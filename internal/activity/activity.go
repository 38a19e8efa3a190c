// Package activity stores user-activity events and the users that produce them.
//
// Events are append-only except for their score fields, which the pipeline
// writes once scoring completes. Users carry the aggregate risk that the
// risk package recomputes after each alert.
package activity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrEventNotFound   = errors.New("activity: event not found")
	ErrEventExists     = errors.New("activity: event already exists")
	ErrUserNotFound    = errors.New("activity: user not found")
	ErrInvalidEvent    = errors.New("activity: invalid event")
	ErrInvalidSeverity = errors.New("activity: invalid severity")
)

// Kind is the event source category.
type Kind string

const (
	KindAuth     Kind = "AUTH"
	KindFile     Kind = "FILE"
	KindEmail    Kind = "EMAIL"
	KindApp      Kind = "APP"
	KindDevice   Kind = "DEVICE"
	KindEndpoint Kind = "ENDPOINT"
	KindNet      Kind = "NET"
	KindFirewall Kind = "FIREWALL"
)

// Kinds lists every accepted event kind.
var Kinds = []Kind{KindAuth, KindFile, KindEmail, KindApp, KindDevice, KindEndpoint, KindNet, KindFirewall}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Severity grades an event or alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity validates s.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, s)
}

// Alerting reports whether a judgment of this severity materializes an alert.
func (s Severity) Alerting() bool {
	return s == SeverityMedium || s == SeverityHigh
}

// Rank orders severities low < medium < high. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// Event is a single user-activity record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	UserID    string    `json:"user"`
	Kind      Kind      `json:"type"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	SrcIP     string    `json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	Device    string    `json:"device,omitempty"`
	Size      int64     `json:"size"`
	Raw       Details   `json:"raw"`

	// RiskScore stays 0 until scored. Scored distinguishes "not yet
	// scored" from "scored as zero risk".
	RiskScore float64    `json:"risk_score"`
	Severity  Severity   `json:"severity"`
	Scored    bool       `json:"scored"`
	ScoredAt  *time.Time `json:"scored_at,omitempty"`
}

// Validate checks the fields every stored event must carry.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Kind)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrInvalidEvent)
	}
	if e.Size < 0 {
		return fmt.Errorf("%w: size must not be negative", ErrInvalidEvent)
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	c.Raw = e.Raw.Clone()
	if e.ScoredAt != nil {
		t := *e.ScoredAt
		c.ScoredAt = &t
	}
	return &c
}

// Summary is a cached analyst-facing narrative for a user.
type Summary struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"last_updated"`
}

// User is an identity whose events are scored.
type User struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Role        string     `json:"role,omitempty"`
	Devices     []string   `json:"devices"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CurrentRisk float64    `json:"current_risk"`
	AISummary   *Summary   `json:"ai_summary,omitempty"`
}

// KnowsDevice reports whether device is in the user's device set.
func (u *User) KnowsDevice(device string) bool {
	return u != nil && slices.Contains(u.Devices, device)
}

// AddDevice inserts device into the set. Empty names are ignored.
func (u *User) AddDevice(device string) {
	if device == "" || slices.Contains(u.Devices, device) {
		return
	}
	u.Devices = append(u.Devices, device)
}

// DisplayName returns Name, or the id when no name is recorded.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	c := *u
	c.Devices = slices.Clone(u.Devices)
	if u.LastSeen != nil {
		t := *u.LastSeen
		c.LastSeen = &t
	}
	if u.AISummary != nil {
		s := *u.AISummary
		c.AISummary = &s
	}
	return &c
}

// UserSort selects the ordering for ListUsers.
type UserSort string

const (
	SortByRisk     UserSort = "riskscore"
	SortByLastSeen UserSort = "last_seen"
)

// EventStore persists events.
type EventStore interface {
	// SaveEvent inserts ev, assigning an id when it has none. Stored events
	// are never replaced: an existing id returns ErrEventExists.
	SaveEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	// FindEvents returns the user's events with from <= ts <= to, oldest first.
	FindEvents(ctx context.Context, userID string, from, to time.Time) ([]*Event, error)
	// ScoreEvent records the judgment on an event and sets Scored.
	ScoreEvent(ctx context.Context, id string, score float64, severity Severity) error
	// ListUnscored returns events not yet scored, oldest first.
	ListUnscored(ctx context.Context, limit int) ([]*Event, error)
	// ListUserEvents returns the user's events newest first, strictly before
	// the given time when before is non-nil.
	ListUserEvents(ctx context.Context, userID string, before *time.Time, limit int) ([]*Event, error)
	// EventsAround returns up to window events either side of the given event,
	// both slices in ascending time order.
	EventsAround(ctx context.Context, ev *Event, window int) (before, after []*Event, err error)
	// ScoredEventsSince returns the user's scored, non-zero events since the
	// given time, newest first.
	ScoredEventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error)
	CountEventsSince(ctx context.Context, since time.Time) (int, error)
	CountUserEvents(ctx context.Context, userID string) (int, error)
	CountEventsByKind(ctx context.Context, userID string, since time.Time) (map[Kind]int, error)
	SearchEvents(ctx context.Context, q string, limit int) ([]*Event, error)
}

// UserStore persists users.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// UpsertUser creates the user or updates name and role, keeping risk,
	// devices and last_seen intact.
	UpsertUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context, sort UserSort, limit, offset int) ([]*User, error)
	// GetUsers returns the users that exist among ids, keyed by id.
	GetUsers(ctx context.Context, ids []string) (map[string]*User, error)
	SearchUsers(ctx context.Context, q string, limit int) ([]*User, error)
	SetUserRisk(ctx context.Context, id string, risk float64) error
	SetAISummary(ctx context.Context, id string, summary Summary) error
}

// Store is the full activity persistence surface.
type Store interface {
	EventStore
	UserStore
}
