package reminder

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/jsonfile"
)

// MinIDPrefix is the shortest id prefix Cancel resolves.
const MinIDPrefix = 8

type storeDoc struct {
	Reminders []Reminder `json:"reminders"`
}

// Store is the single owner of reminder state. Every mutation is written to
// disk before it becomes visible in memory.
type Store struct {
	mu    sync.Mutex
	file  *jsonfile.File
	items []Reminder

	now   func() time.Time
	newID func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs replaces the uuid generator.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// Open loads the reminders file at path. A file that does not decode is an
// error; the store refuses to start rather than forget pending reminders.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		file:  jsonfile.New(path),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	var doc storeDoc
	if _, err := s.file.Load(&doc); err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	s.items = doc.Reminders
	sortByFireAt(s.items)

	pending := 0
	for _, r := range s.items {
		if r.Status == Pending {
			pending++
		}
	}
	slog.Info("reminder store loaded", "path", s.file.Path(), "total", len(s.items), "pending", pending)
	return s, nil
}

// Create validates d and stores it as a new pending reminder. A repeated
// create carrying the same source message, creator, target, fire time and
// text returns the existing reminder.
func (s *Store) Create(d Draft) (Reminder, error) {
	d.CreatorID = strings.TrimSpace(d.CreatorID)
	d.Message = strings.TrimSpace(d.Message)
	d.Target.ID = strings.TrimSpace(d.Target.ID)
	d.SourceMessageID = strings.TrimSpace(d.SourceMessageID)

	if d.CreatorID == "" {
		return Reminder{}, fmt.Errorf("%w: creator is required", errs.ErrInvalidArgument)
	}
	if d.Message == "" {
		return Reminder{}, fmt.Errorf("%w: message is required", errs.ErrInvalidArgument)
	}
	if err := d.Target.Validate(); err != nil {
		return Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	fireAt := d.FireAt.UTC()
	if !fireAt.After(now) {
		return Reminder{}, fmt.Errorf("%w: fire time %s is not in the future", errs.ErrInvalidTime, fireAt.Format(time.RFC3339))
	}

	if d.SourceMessageID != "" {
		for _, r := range s.items {
			if r.SourceMessageID == d.SourceMessageID && r.CreatorID == d.CreatorID &&
				r.Target == d.Target && r.FireAt.Equal(fireAt) && r.Message == d.Message {
				return r, nil
			}
		}
	}

	r := Reminder{
		ID:              s.newID(),
		CreatorID:       d.CreatorID,
		Target:          d.Target,
		FireAt:          fireAt,
		Message:         d.Message,
		MentionUserID:   strings.TrimSpace(d.MentionUserID),
		SourceMessageID: d.SourceMessageID,
		Status:          Pending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	next := append(slices.Clone(s.items), r)
	sortByFireAt(next)
	if err := s.commit(next); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// List returns matching reminders ordered by fire time.
func (s *Store) List(q ListQuery) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := q.IsAdmin && q.IncludeAll
	out := make([]Reminder, 0)
	for _, r := range s.items {
		if !all && r.CreatorID != q.CallerID {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Get returns the reminder with the exact id.
func (s *Store) Get(id string) (Reminder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		return s.items[i], true
	}
	return Reminder{}, false
}

// Cancel moves a pending reminder to cancelled. id may be the full id or a
// unique prefix of at least MinIDPrefix characters among the reminders the
// caller can see.
func (s *Store) Cancel(id, callerID string, isAdmin bool) (Reminder, error) {
	key := strings.TrimSpace(id)
	if key == "" {
		return Reminder{}, fmt.Errorf("%w: id is required", errs.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.resolve(key, strings.TrimSpace(callerID), isAdmin)
	if err != nil {
		return Reminder{}, err
	}
	r := s.items[i]
	if r.CreatorID != strings.TrimSpace(callerID) && !isAdmin {
		return Reminder{}, fmt.Errorf("%w: reminder %s belongs to another user", errs.ErrForbidden, r.ShortID())
	}
	if r.Status.Terminal() {
		return r, fmt.Errorf("%w: reminder %s is already %s", errs.ErrAlreadyTerminal, r.ShortID(), r.Status)
	}

	r.Status = Cancelled
	r.UpdatedAt = s.now().UTC()
	if err := s.replace(i, r); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// Due returns pending reminders whose fire time is at or before now, oldest
// first.
func (s *Store) Due(now time.Time) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Reminder
	for _, r := range s.items {
		if r.FireAt.After(now) {
			break
		}
		if r.Status == Pending {
			out = append(out, r)
		}
	}
	return out
}

// Mark moves a pending reminder to a terminal status and reports whether it
// changed anything. Marking an already terminal reminder is a no-op. Fired
// counts as a delivery attempt.
func (s *Store) Mark(id string, status Status) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: cannot mark reminder %s", errs.ErrInvalidArgument, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return false, fmt.Errorf("%w: reminder %s", errs.ErrNotFound, id)
	}
	r := s.items[i]
	if r.Status.Terminal() {
		return false, nil
	}

	r.Status = status
	if status == Fired {
		r.AttemptCount++
		r.LastError = ""
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.replace(i, r); err != nil {
		return false, err
	}
	return true, nil
}

// RecordFailure counts a failed delivery attempt. Once the attempt count
// reaches ceiling the reminder becomes failed. Terminal reminders are
// returned unchanged.
func (s *Store) RecordFailure(id string, cause error, ceiling int) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return Reminder{}, fmt.Errorf("%w: reminder %s", errs.ErrNotFound, id)
	}
	r := s.items[i]
	if r.Status.Terminal() {
		return r, nil
	}

	r.AttemptCount++
	r.LastError = "send failed"
	if cause != nil {
		r.LastError = cause.Error()
	}
	if r.AttemptCount >= max(ceiling, 1) {
		r.Status = Failed
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.replace(i, r); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func (s *Store) resolve(key, callerID string, isAdmin bool) (int, error) {
	if i := s.index(key); i >= 0 {
		return i, nil
	}
	if len(key) < MinIDPrefix {
		return -1, fmt.Errorf("%w: reminder %q (use at least %d characters of the id)", errs.ErrNotFound, key, MinIDPrefix)
	}
	found := -1
	for i, r := range s.items {
		if !strings.HasPrefix(r.ID, key) {
			continue
		}
		if !isAdmin && r.CreatorID != callerID {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("%w: id prefix %q is ambiguous", errs.ErrInvalidArgument, key)
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: reminder %q", errs.ErrNotFound, key)
	}
	return found, nil
}

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.items, func(r Reminder) bool { return r.ID == id })
}

// replace swaps in r at position i; fire times never change so order holds.
func (s *Store) replace(i int, r Reminder) error {
	next := slices.Clone(s.items)
	next[i] = r
	return s.commit(next)
}

func (s *Store) commit(next []Reminder) error {
	if err := s.file.Save(storeDoc{Reminders: next}); err != nil {
		return fmt.Errorf("persist reminders: %w", err)
	}
	s.items = next
	return nil
}

func sortByFireAt(items []Reminder) {
	slices.SortStableFunc(items, func(a, b Reminder) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
