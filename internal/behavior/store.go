package behavior

import (
	"context"
	"sync"
	"time"
)

// Store holds one Profile per session, swept on a background ticker the
// way session.Manager sweeps its session map in cleanup().
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	maxIdle  time.Duration
}

// NewStore creates an empty Store. maxIdle bounds how long a profile
// survives without activity before the cleanup loop prunes it.
func NewStore(maxIdle time.Duration) *Store {
	return &Store{
		profiles: make(map[string]*Profile),
		maxIdle:  maxIdle,
	}
}

// GetOrCreate returns the session's profile, creating it on first use.
func (st *Store) GetOrCreate(sessionID string, now time.Time) *Profile {
	st.mu.RLock()
	p, ok := st.profiles[sessionID]
	st.mu.RUnlock()
	if ok {
		return p
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if p, ok = st.profiles[sessionID]; ok {
		return p
	}
	p = newProfile(now)
	st.profiles[sessionID] = p
	return p
}

// Count returns the number of tracked profiles.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.profiles)
}

// Run drives the idle-profile cleanup sweep until ctx is cancelled. This
// is a self-contained hourly safety net independent of the coordinator's
// own cleanup tick, which calls PruneIdle directly on its own schedule.
func (st *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.sweep()
		}
	}
}

func (st *Store) sweep() {
	st.PruneIdle(st.maxIdle)
}

// PruneIdle removes every profile that has been idle for longer than
// maxIdle, independent of the Store's own configured default.
func (st *Store) PruneIdle(maxIdle time.Duration) {
	now := time.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, p := range st.profiles {
		if p.Idle(maxIdle, now) {
			delete(st.profiles, id)
		}
	}
}
