package firewall

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*sessionPolicy
}

// store is a sharded session map with exact oldest-first eviction. Lookups
// only take a shard read lock. Inserts and evictions are serialized by
// evictMu, which also guards the creation-time heap.
type store struct {
	shards [shardCount]*shard
	count  atomic.Int64

	evictMu sync.Mutex
	byAge   ageHeap
	seq     uint64
}

func newStore() *store {
	s := &store{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*sessionPolicy)}
	}
	return s
}

func (s *store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

func (s *store) get(id string) *sessionPolicy {
	sh := s.shardFor(id)
	sh.mu.RLock()
	p := sh.sessions[id]
	sh.mu.RUnlock()
	return p
}

func (s *store) len() int { return int(s.count.Load()) }

// insert adds p, evicting the oldest sessions first while the store holds
// maxSessions or more. It returns the evicted sessions and the session p
// replaced, if any.
func (s *store) insert(p *sessionPolicy, maxSessions int) (evicted []*sessionPolicy, replaced *sessionPolicy) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	sh := s.shardFor(p.id)
	sh.mu.Lock()
	replaced = sh.sessions[p.id]
	if replaced != nil {
		delete(sh.sessions, p.id)
		s.count.Add(-1)
	}
	sh.mu.Unlock()

	for maxSessions > 0 && s.len() >= maxSessions {
		old := s.popOldestLocked()
		if old == nil {
			break
		}
		evicted = append(evicted, old)
	}

	s.seq++
	p.seq = s.seq
	sh.mu.Lock()
	sh.sessions[p.id] = p
	sh.mu.Unlock()
	s.count.Add(1)
	heap.Push(&s.byAge, ageEntry{policy: p})
	return evicted, replaced
}

// evictOldest removes the session with the smallest creation time.
func (s *store) evictOldest() *sessionPolicy {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	return s.popOldestLocked()
}

// popOldestLocked pops heap entries until one is still live. Entries for
// sessions already removed or replaced are stale and dropped.
func (s *store) popOldestLocked() *sessionPolicy {
	for s.byAge.Len() > 0 {
		e := heap.Pop(&s.byAge).(ageEntry)
		if s.removeIf(e.policy) {
			return e.policy
		}
	}
	return nil
}

// removeIf deletes p if it is still the live policy for its ID.
func (s *store) removeIf(p *sessionPolicy) bool {
	sh := s.shardFor(p.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sessions[p.id] != p {
		return false
	}
	delete(sh.sessions, p.id)
	s.count.Add(-1)
	return true
}

// removeIdle deletes every session whose last activity is before cutoff.
func (s *store) removeIdle(cutoff time.Time) []*sessionPolicy {
	var idle []*sessionPolicy
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.sessions {
			if p.lastActivity().Before(cutoff) {
				idle = append(idle, p)
			}
		}
		sh.mu.RUnlock()
	}
	removed := idle[:0]
	for _, p := range idle {
		if s.removeIf(p) {
			removed = append(removed, p)
		}
	}
	s.compact()
	return removed
}

// compact drops stale heap entries once they dominate the heap.
func (s *store) compact() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	if s.byAge.Len() <= 2*s.len()+shardCount {
		return
	}
	live := s.byAge[:0]
	for _, e := range s.byAge {
		if s.get(e.policy.id) == e.policy {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(s.byAge); i++ {
		s.byAge[i] = ageEntry{}
	}
	s.byAge = live
	heap.Init(&s.byAge)
}

func (s *store) each(fn func(*sessionPolicy)) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		list := make([]*sessionPolicy, 0, len(sh.sessions))
		for _, p := range sh.sessions {
			list = append(list, p)
		}
		sh.mu.RUnlock()
		for _, p := range list {
			fn(p)
		}
	}
}

type ageEntry struct {
	policy *sessionPolicy
}

// ageHeap orders by creation time, then insertion sequence.
type ageHeap []ageEntry

func (h ageHeap) Len() int { return len(h) }
func (h ageHeap) Less(i, j int) bool {
	a, b := h[i].policy, h[j].policy
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}
func (h ageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *ageHeap) Push(x any)   { *h = append(*h, x.(ageEntry)) }
func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = ageEntry{}
	*h = old[:n-1]
	return e
}
