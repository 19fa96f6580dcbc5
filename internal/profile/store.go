package profile

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Persister durably records profiles. Store writes through to it after
// every mutation and reads it once at startup via Store.Load.
type Persister interface {
	Save(p Profile) error
	LoadAll() ([]Profile, error)
}

// Store is the in-memory profile registry. Mutations of one user are
// serialized by that user's lock; different users never contend beyond
// the registry lookup.
type Store struct {
	entries sync.Map // user id → *entry
	count   atomic.Int64
	persist Persister
	logger  *slog.Logger
	now     func() time.Time
}

type entry struct {
	mu sync.Mutex
	p  Profile
}

// NewStore creates a Store. persist may be nil for a memory-only store.
func NewStore(persist Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		persist: persist,
		logger:  logger,
		now:     time.Now,
	}
}

// Load hydrates the store from the persister. Profiles already in
// memory are kept.
func (s *Store) Load() (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	profiles, err := s.persist.LoadAll()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, p := range profiles {
		if _, dup := s.entries.LoadOrStore(p.UserID, &entry{p: p.Clone()}); !dup {
			s.count.Add(1)
			loaded++
		}
	}
	return loaded, nil
}

// entryFor returns the user's entry, creating and persisting the
// default profile on first sight.
func (s *Store) entryFor(userID string) *entry {
	if v, ok := s.entries.Load(userID); ok {
		return v.(*entry)
	}

	fresh := &entry{p: New(userID, s.now())}
	fresh.mu.Lock()
	v, loaded := s.entries.LoadOrStore(userID, fresh)
	if loaded {
		fresh.mu.Unlock()
		return v.(*entry)
	}
	s.count.Add(1)
	s.save(fresh.p)
	fresh.mu.Unlock()

	s.logger.Info("learner profile created", "user_id", userID)
	return fresh
}

// GetOrCreate returns the user's profile, creating the default one if
// absent. It never fails.
func (s *Store) GetOrCreate(userID string) Profile {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone()
}

// Get returns the user's profile without creating it.
func (s *Store) Get(userID string) (Profile, bool) {
	v, ok := s.entries.Load(userID)
	if !ok {
		return Profile{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), true
}

// Update applies fn to the user's profile under the user's lock and
// returns the result. It is a no-op returning false when the user is
// unknown.
func (s *Store) Update(userID string, fn func(*Profile)) (Profile, bool) {
	v, ok := s.entries.Load(userID)
	if !ok {
		return Profile{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.p)
	e.p.UserID = userID
	e.p.UpdatedAt = s.now()
	s.save(e.p)
	return e.p.Clone(), true
}

// Reset restores the user's profile to defaults. The user stays in the
// store, so scheduled lessons keep reaching them.
func (s *Store) Reset(userID string) Profile {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	created := e.p.CreatedAt
	e.p = New(userID, s.now())
	e.p.CreatedAt = created
	s.save(e.p)

	s.logger.Info("learner profile reset", "user_id", userID)
	return e.p.Clone()
}

// ForEach calls fn with a copy of every profile until fn returns false.
// Each call walks a fresh snapshot of the user ids taken when it starts;
// users created during the walk may be missed. Profiles are visited in
// user id order.
func (s *Store) ForEach(fn func(Profile) bool) {
	for _, id := range s.ids() {
		p, ok := s.Get(id)
		if !ok {
			continue
		}
		if !fn(p) {
			return
		}
	}
}

// Snapshot returns copies of all profiles in user id order.
func (s *Store) Snapshot() []Profile {
	out := make([]Profile, 0, s.Len())
	s.ForEach(func(p Profile) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Len returns the number of known users.
func (s *Store) Len() int {
	return int(s.count.Load())
}

func (s *Store) ids() []string {
	var ids []string
	s.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// save writes through to the persister. Failures are logged; the
// in-memory state stays authoritative.
func (s *Store) save(p Profile) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(p); err != nil {
		s.logger.Warn("failed to persist profile", "user_id", p.UserID, "error", err)
	}
}
