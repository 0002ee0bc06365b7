package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkInvariant asserts unreadCount == |{r : !r.Read}| over the live list.
func checkInvariant(t *testing.T, s *Store) {
	t.Helper()
	n := 0
	for _, r := range s.List() {
		if !r.Read {
			n++
		}
	}
	assert.Equal(t, n, s.UnreadCount(), "unread count diverged from live list")
}

func TestAddAssignsMonotonicIDs(t *testing.T) {
	s := NewStore()

	var last int64
	for i := 0; i < 10; i++ {
		id := s.Add(Record{Type: TypeInfo, Message: "m"})
		assert.Greater(t, id, last)
		last = id
	}
	checkInvariant(t, s)
}

func TestNewestFirstOrdering(t *testing.T) {
	s := NewStore()
	s.Add(Record{Message: "first"})
	s.Add(Record{Message: "second"})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Message)
	assert.Equal(t, "first", list[1].Message)
}

func TestOverflowEvictsOldest(t *testing.T) {
	s := NewStore()
	for i := 0; i < MaxRecords+7; i++ {
		s.Add(Record{Message: fmt.Sprintf("n%d", i)})
	}

	assert.Equal(t, MaxRecords, s.Len())
	list := s.List()
	// Newest survives, the very first records are gone.
	assert.Equal(t, fmt.Sprintf("n%d", MaxRecords+6), list[0].Message)
	assert.Equal(t, "n7", list[MaxRecords-1].Message)
	checkInvariant(t, s)
}

func TestMarkAsRead(t *testing.T) {
	s := NewStore()
	id1 := s.Add(Record{Message: "a"})
	s.Add(Record{Message: "b"})
	require.Equal(t, 2, s.UnreadCount())

	s.MarkAsRead(id1)
	assert.Equal(t, 1, s.UnreadCount())
	checkInvariant(t, s)

	// Marking twice or marking an unknown id changes nothing.
	s.MarkAsRead(id1)
	s.MarkAsRead(9999)
	assert.Equal(t, 1, s.UnreadCount())
	checkInvariant(t, s)
}

func TestMarkAllAsRead(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		s.Add(Record{Message: "m"})
	}
	s.MarkAllAsRead()
	assert.Equal(t, 0, s.UnreadCount())
	checkInvariant(t, s)
}

func TestRemoveUnread(t *testing.T) {
	s := NewStore()
	id1 := s.Add(Record{Message: "a"})
	id2 := s.Add(Record{Message: "b"})
	s.MarkAsRead(id2)

	s.Remove(id1)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 0, s.UnreadCount())
	checkInvariant(t, s)

	s.Remove(id2)
	assert.Equal(t, 0, s.Len())
	checkInvariant(t, s)
}

func TestClear(t *testing.T) {
	s := NewStore()
	s.Add(Record{Message: "a"})
	s.Add(Record{Message: "b"})

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.UnreadCount())
	checkInvariant(t, s)
}

func TestEvictedRecordNotResurrected(t *testing.T) {
	s := NewStore()
	first := s.Add(Record{Message: "n0"})
	for i := 1; i <= MaxRecords; i++ {
		s.Add(Record{Message: fmt.Sprintf("n%d", i)})
	}

	// The first record was evicted; read ops on its id are no-ops.
	s.MarkAsRead(first)
	for _, r := range s.List() {
		assert.NotEqual(t, first, r.ID)
	}
	checkInvariant(t, s)
}
