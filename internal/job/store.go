package job

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Store maps transaction keys to records. It is the single source of truth
// for job state; every read returns a deep copy and every write goes through
// a short critical section on one store-wide mutex.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	seq     atomic.Uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
	}
}

// Create inserts rec under key. It returns false and leaves the store
// unchanged if a record already exists.
func (s *Store) Create(key string, rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return false
	}
	rec.Key = key
	stored := rec.clone()
	s.records[key] = &stored
	return true
}

// Replace overwrites the record under key only if its current status is
// expected. Used to resubmit failed jobs without racing a concurrent submit.
func (s *Store) Replace(key string, rec Record, expected Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[key]
	if !exists || current.Status != expected {
		return false
	}
	rec.Key = key
	stored := rec.clone()
	s.records[key] = &stored
	return true
}

// Get returns a snapshot of the record under key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists {
		return Record{}, false
	}
	return rec.clone(), true
}

// Mutate applies fn to the record under key while holding the store lock.
// It returns false without calling fn if the key does not exist. fn must not
// call back into the store.
func (s *Store) Mutate(key string, fn func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists {
		return false
	}
	fn(rec)
	rec.Key = key
	return true
}

// Delete removes the record under key. It reports whether a record existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.records[key]
	delete(s.records, key)
	return exists
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Counts returns the number of records in each status.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	for _, rec := range s.records {
		switch rec.Status {
		case StatusQueued:
			c.Queued++
		case StatusProcessing:
			c.Processing++
		case StatusDone:
			c.Done++
		case StatusError:
			c.Error++
		}
	}
	return c
}

// Keys returns the keys of all records in status, in no particular order.
func (s *Store) Keys(status Status) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, rec := range s.records {
		if rec.Status == status {
			keys = append(keys, key)
		}
	}
	return keys
}

// NextSeq returns the next finalization sequence number, starting at 1.
func (s *Store) NextSeq() uint64 {
	return s.seq.Add(1)
}

// evictExcess removes the oldest records in status until at most capacity
// remain, and returns the removed keys oldest first. Selection and removal
// happen under one lock so a record cannot change status in between.
func (s *Store) evictExcess(status Status, capacity int, order Order) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Record
	for _, rec := range s.records {
		if rec.Status == status {
			candidates = append(candidates, rec)
		}
	}
	excess := len(candidates) - capacity
	if excess <= 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return older(candidates[i], candidates[j], order)
	})

	evicted := make([]string, 0, excess)
	for _, rec := range candidates[:excess] {
		delete(s.records, rec.Key)
		evicted = append(evicted, rec.Key)
	}
	return evicted
}

func older(a, b *Record, order Order) bool {
	if order == OrderKey || a.CompletedSeq == b.CompletedSeq {
		return a.Key < b.Key
	}
	return a.CompletedSeq < b.CompletedSeq
}
