// Package engine implements the mining session lifecycle: the session
// store, eligibility gate, boost manager, accrual scheduler and
// settlement flow, tied together by the Service command facade.
package engine

import (
	"errors"
	"sync"

	"finova-engine/internal/domain"
	"finova-engine/internal/observability"
)

// Store is the authoritative in-memory registry of live sessions, keyed
// by user ID. It is owned by the hosting process and injected into every
// component that needs it.
//
// Each entry carries its own lock so mutations for one user never block
// another. Locks are held only for the duration of an in-memory mutation,
// never across an external call. All reads return deep copies, so no
// caller can observe a half-applied mutation.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*storeEntry
}

type storeEntry struct {
	mu      sync.Mutex
	session *domain.Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*storeEntry)}
}

// Put registers a new session for its user. It fails with
// ErrSessionExists while a live session (Active, Stopping or
// PendingRetry) is present, which makes concurrent starts collapse to
// exactly one session.
func (st *Store) Put(session *domain.Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if e, ok := st.entries[session.UserID]; ok {
		e.mu.Lock()
		live := e.session.Status.Live()
		e.mu.Unlock()
		if live {
			return domain.ErrSessionExists
		}
	}

	s := session.Clone()
	st.entries[session.UserID] = &storeEntry{session: &s}
	observability.SessionsActive.Set(float64(st.liveCountLocked()))
	return nil
}

// Get returns a copy of the user's session.
func (st *Store) Get(userID string) (domain.Session, error) {
	e, ok := st.entry(userID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Mutate applies fn to the user's session under its per-session lock and
// bumps the version. fn runs on a working copy that replaces the stored
// session only on success, so returning an error aborts the mutation
// entirely. The returned copy reflects the state after the mutation.
func (st *Store) Mutate(userID string, fn func(*domain.Session) error) (domain.Session, error) {
	e, ok := st.entry(userID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.session.Clone()
	if err := fn(&next); err != nil {
		return e.session.Clone(), err
	}
	next.Version++
	e.session = &next
	return next.Clone(), nil
}

// Apply is Mutate guarded by optimistic concurrency: the mutation is
// rejected with ErrVersionConflict when the session has moved past the
// version the caller read. Used to finalize settlement after the
// unlocked external ledger call.
func (st *Store) Apply(userID string, expectedVersion int64, fn func(*domain.Session) error) (domain.Session, error) {
	e, ok := st.entry(userID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Version != expectedVersion {
		return e.session.Clone(), domain.ErrVersionConflict
	}
	next := e.session.Clone()
	if err := fn(&next); err != nil {
		return e.session.Clone(), err
	}
	next.Version++
	e.session = &next
	return next.Clone(), nil
}

// Remove drops the user's session from the store.
func (st *Store) Remove(userID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.entries, userID)
	observability.SessionsActive.Set(float64(st.liveCountLocked()))
}

// ActiveUserIDs returns the users whose sessions are currently Active,
// as a stable snapshot for a scheduler pass.
func (st *Store) ActiveUserIDs() []string {
	return st.UserIDsByStatus(domain.StatusActive)
}

// UserIDsByStatus returns the users whose sessions carry the given
// status at the moment of the call.
func (st *Store) UserIDsByStatus(status domain.Status) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make([]string, 0, len(st.entries))
	for userID, e := range st.entries {
		e.mu.Lock()
		if e.session.Status == status {
			ids = append(ids, userID)
		}
		e.mu.Unlock()
	}
	return ids
}

// Len returns the number of stored sessions, live or not.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// Restore loads sessions into an empty store, used to rehydrate from the
// cache mirror after a restart. Non-live sessions are skipped.
func (st *Store) Restore(sessions []*domain.Session) (restored int, err error) {
	for _, s := range sessions {
		if s == nil || !s.Status.Live() {
			continue
		}
		if putErr := st.Put(s); putErr != nil {
			if errors.Is(putErr, domain.ErrSessionExists) {
				continue
			}
			return restored, putErr
		}
		restored++
	}
	return restored, nil
}

func (st *Store) entry(userID string) (*storeEntry, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.entries[userID]
	return e, ok
}

// liveCountLocked counts live sessions; callers hold st.mu.
func (st *Store) liveCountLocked() int {
	n := 0
	for _, e := range st.entries {
		e.mu.Lock()
		if e.session.Status.Live() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}
