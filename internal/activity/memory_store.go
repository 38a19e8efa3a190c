package activity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/riskwatch/internal/idgen"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	byUser map[string][]*Event // insertion order; sorted on read
	users  map[string]*User
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		byUser: make(map[string][]*Event),
		users:  make(map[string]*User),
		now:    time.Now,
	}
}

func (s *MemoryStore) SaveEvent(_ context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix(idgen.EventPrefix)
	}
	if ev.Severity == "" {
		ev.Severity = SeverityLow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return ErrEventExists
	}
	c := ev.Clone()
	s.events[c.ID] = c
	s.byUser[c.UserID] = append(s.byUser[c.UserID], c)
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ev.Clone(), nil
}

// sortedUserEvents returns the user's events oldest first. Caller holds mu.
func (s *MemoryStore) sortedUserEvents(userID string) []*Event {
	list := append([]*Event(nil), s.byUser[userID]...)
	sortAscending(list)
	return list
}

func sortAscending(list []*Event) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].ID < list[j].ID
		}
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}

func (s *MemoryStore) FindEvents(_ context.Context, userID string, from, to time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, ev := range s.sortedUserEvents(userID) {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ScoreEvent(_ context.Context, id string, score float64, severity Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	applyScore(ev, score, severity, s.now())
	return nil
}

func applyScore(ev *Event, score float64, severity Severity, at time.Time) {
	ev.RiskScore = score
	ev.Severity = severity
	ev.Scored = true
	at = at.UTC()
	ev.ScoredAt = &at
}

func (s *MemoryStore) ListUnscored(_ context.Context, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, ev := range s.events {
		if !ev.Scored {
			out = append(out, ev)
		}
	}
	sortAscending(out)
	return cloneEvents(truncate(out, limit)), nil
}

func (s *MemoryStore) ListUserEvents(_ context.Context, userID string, before *time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asc := s.sortedUserEvents(userID)
	var out []*Event
	for i := len(asc) - 1; i >= 0; i-- {
		if before != nil && !asc[i].Timestamp.Before(*before) {
			continue
		}
		out = append(out, asc[i])
	}
	return cloneEvents(truncate(out, limit)), nil
}

func (s *MemoryStore) EventsAround(_ context.Context, ev *Event, window int) ([]*Event, []*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var before, after []*Event
	for _, e := range s.sortedUserEvents(ev.UserID) {
		switch {
		case e.Timestamp.Before(ev.Timestamp):
			before = append(before, e)
		case e.Timestamp.After(ev.Timestamp):
			if len(after) < window {
				after = append(after, e)
			}
		}
	}
	if len(before) > window {
		before = before[len(before)-window:]
	}
	return cloneEvents(before), cloneEvents(after), nil
}

func (s *MemoryStore) ScoredEventsSince(_ context.Context, userID string, since time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asc := s.sortedUserEvents(userID)
	var out []*Event
	for i := len(asc) - 1; i >= 0; i-- {
		ev := asc[i]
		if ev.Scored && ev.RiskScore > 0 && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return cloneEvents(truncate(out, limit)), nil
}

func (s *MemoryStore) CountEventsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ev := range s.events {
		if !ev.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountUserEvents(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID]), nil
}

func (s *MemoryStore) CountEventsByKind(_ context.Context, userID string, since time.Time) (map[Kind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Kind]int)
	for _, ev := range s.byUser[userID] {
		if !ev.Timestamp.Before(since) {
			counts[ev.Kind]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) SearchEvents(_ context.Context, q string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, ev := range s.events {
		if containsFold(q, ev.UserID, ev.Action, ev.Resource, ev.Device) {
			out = append(out, ev)
		}
	}
	sortAscending(out)
	reverse(out)
	return cloneEvents(truncate(out, limit)), nil
}

// --- users ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[u.ID]; ok {
		if u.Name != "" {
			existing.Name = u.Name
		}
		if u.Role != "" {
			existing.Role = u.Role
		}
		return nil
	}
	c := u.Clone()
	if c.Devices == nil {
		c.Devices = []string{}
	}
	s.users[c.ID] = c
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context, by UserSort, limit, offset int) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, u)
	}
	sortUsers(all, by)

	if offset >= len(all) {
		return nil, nil
	}
	all = truncate(all[offset:], limit)
	out := make([]*User, len(all))
	for i, u := range all {
		out[i] = u.Clone()
	}
	return out, nil
}

func sortUsers(all []*User, by UserSort) {
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if by == SortByLastSeen {
			switch {
			case a.LastSeen == nil && b.LastSeen == nil:
			case a.LastSeen == nil:
				return false
			case b.LastSeen == nil:
				return true
			case !a.LastSeen.Equal(*b.LastSeen):
				return a.LastSeen.After(*b.LastSeen)
			}
			return a.ID < b.ID
		}
		if a.CurrentRisk != b.CurrentRisk {
			return a.CurrentRisk > b.CurrentRisk
		}
		return a.ID < b.ID
	})
}

func (s *MemoryStore) GetUsers(_ context.Context, ids []string) (map[string]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u.Clone()
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchUsers(_ context.Context, q string, limit int) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*User
	for _, u := range s.users {
		if containsFold(q, u.ID, u.Name, u.Role) {
			out = append(out, u.Clone())
		}
	}
	sortUsers(out, SortByRisk)
	return truncate(out, limit), nil
}

func (s *MemoryStore) SetUserRisk(_ context.Context, id string, risk float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.CurrentRisk = risk
	return nil
}

func (s *MemoryStore) SetAISummary(_ context.Context, id string, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.AISummary = &summary
	return nil
}

// MemoryTx gives code running inside Atomically unlocked access to the
// store. Reads return copies; writes replace the stored record.
type MemoryTx struct {
	s *MemoryStore
}

// Atomically runs fn while holding the store's write lock. Other stores
// backed by memory use it so that multi-record updates are applied as one
// step. fn must stage its writes and only call Put* once it cannot fail.
func (s *MemoryStore) Atomically(fn func(tx *MemoryTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&MemoryTx{s: s})
}

// Event returns a copy of the stored event.
func (tx *MemoryTx) Event(id string) (*Event, bool) {
	ev, ok := tx.s.events[id]
	if !ok {
		return nil, false
	}
	return ev.Clone(), true
}

// User returns a copy of the stored user.
func (tx *MemoryTx) User(id string) (*User, bool) {
	u, ok := tx.s.users[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// ScoreEvent marks the event scored in place.
func (tx *MemoryTx) ScoreEvent(id string, score float64, severity Severity) bool {
	ev, ok := tx.s.events[id]
	if !ok {
		return false
	}
	applyScore(ev, score, severity, tx.s.now())
	return true
}

// PutUser replaces (or creates) the stored user.
func (tx *MemoryTx) PutUser(u *User) {
	c := u.Clone()
	if c.Devices == nil {
		c.Devices = []string{}
	}
	tx.s.users[c.ID] = c
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func reverse[T any](list []T) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

func cloneEvents(list []*Event) []*Event {
	if len(list) == 0 {
		return nil
	}
	out := make([]*Event, len(list))
	for i, ev := range list {
		out[i] = ev.Clone()
	}
	return out
}

func containsFold(q string, fields ...string) bool {
	q = strings.ToLower(q)
	for _, f := range fields {
		if f != "" && strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
