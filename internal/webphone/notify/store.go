package notify

import (
	"sync"
	"time"
)

// MaxRecords bounds the live list; the oldest record is evicted on overflow.
const MaxRecords = 100

// Store holds the live notification list, newest first. The unread count
// is recomputed under the same lock as every mutation, so it can never
// diverge from the records it summarizes.
type Store struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
	unread  int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Add inserts a record at the head of the list, assigning it the next
// monotonic id, and returns that id. Overflow evicts the oldest record.
func (s *Store) Add(r Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r.ID = s.nextID
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Read = false

	s.records = append([]Record{r}, s.records...)
	if len(s.records) > MaxRecords {
		s.records = s.records[:MaxRecords]
	}
	s.recount()
	return r.ID
}

// MarkAsRead marks one record read. Unknown ids are ignored.
func (s *Store) MarkAsRead(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Read = true
			break
		}
	}
	s.recount()
}

// MarkAllAsRead marks every live record read.
func (s *Store) MarkAllAsRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		s.records[i].Read = true
	}
	s.recount()
}

// Remove deletes one record. Unknown ids are ignored.
func (s *Store) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	s.recount()
}

// Clear deletes all records.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.recount()
}

// UnreadCount returns the number of unread live records.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// List returns a copy of the live records, newest first.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// recount recomputes the unread counter from the live list.
// Callers must hold the write lock.
func (s *Store) recount() {
	n := 0
	for i := range s.records {
		if !s.records[i].Read {
			n++
		}
	}
	s.unread = n
}
