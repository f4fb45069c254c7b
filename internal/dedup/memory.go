package dedup

import (
	"sync"
	"time"

	"protectcore/internal/hasher"
)

type memoryRecord struct {
	seenAt   time.Time
	expires  time.Time
	response []byte
}

// memoryDedup is the fallback used when Redis is unreachable, a plain
// mutex-guarded map in the same shape as session.MemoryStore, cleaned
// up periodically instead of relying only on lookup-time expiration
// checks.
type memoryDedup struct {
	mu      sync.Mutex
	records map[hasher.Digest]*memoryRecord
	stop    chan struct{}
	once    sync.Once
}

func newMemoryDedup() *memoryDedup {
	m := &memoryDedup{
		records: make(map[hasher.Digest]*memoryRecord),
		stop:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

func (m *memoryDedup) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pruneExpired()
		}
	}
}

// pruneExpired removes every fallback record past its TTL, called both
// by the background ticker and by the coordinator's own cleanup tick.
func (m *memoryDedup) pruneExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for k, r := range m.records {
		if now.After(r.expires) {
			delete(m.records, k)
			pruned++
		}
	}
	return pruned
}

func (m *memoryDedup) check(fp hasher.Digest, policy EndpointPolicy) Result {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[fp]
	if ok && now.After(r.expires) {
		ok = false
	}
	if ok {
		return Result{IsDuplicate: true, OriginalSeenAt: r.seenAt, CachedResponse: r.response}
	}

	m.records[fp] = &memoryRecord{seenAt: now, expires: now.Add(policy.TTL)}
	return Result{IsDuplicate: false}
}

func (m *memoryDedup) storeResponse(fp hasher.Digest, body []byte, policy EndpointPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fp]
	if !ok {
		r = &memoryRecord{seenAt: time.Now(), expires: time.Now().Add(policy.TTL)}
		m.records[fp] = r
	}
	r.response = body
}

func (m *memoryDedup) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
