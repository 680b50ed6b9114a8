// Package queue holds the ordered track entries of one playback session.
package queue

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"github.com/keshon/cadence/internal/music/sources"
)

// Entry is one requested track. It is never mutated after Enqueue.
type Entry struct {
	ID         uuid.UUID
	SearchTerm string
	Track      sources.TrackInfo

	// presentation payload
	Requester     string
	RequesterID   snowflake.ID
	TextChannelID snowflake.ID
	AddedAt       time.Time
}

// NewEntry stamps a fresh id and time on a resolved track.
func NewEntry(searchTerm string, track sources.TrackInfo, requester string) Entry {
	return Entry{
		ID:         uuid.New(),
		SearchTerm: searchTerm,
		Track:      track,
		Requester:  requester,
		AddedAt:    time.Now(),
	}
}

// Queue is a FIFO guarded by a mutex. Every method holds the lock for O(1)
// or O(n) copying work only.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Queue {
	return &Queue{}
}

// Enqueue appends e and returns its 1-based position, computed under the lock.
func (q *Queue) Enqueue(e Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return len(q.entries)
}

func (q *Queue) PeekFront() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// PopFront removes the head. On an empty queue it does nothing.
func (q *Queue) PopFront() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return e, true
}

// PopFrontIf removes the head only if it is the entry with id. The playback
// loop uses it so a Clear racing with the end of a track can not drop the
// next request.
func (q *Queue) PopFrontIf(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].ID != id {
		return false
	}
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return true
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the entries in order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Clear drops every entry and returns how many were discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n
}
