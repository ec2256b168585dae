package queue

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/protocol"
)

// Queue is one named, id-ordered collection of entries.
//
// Live ids are mirrored in a roaring bitmap that drives ordered scans.
// Waiters park on changed, which is closed and replaced on every insert.
type Queue struct {
	name string

	mu      sync.Mutex
	ids     *roaring64.Bitmap
	entries map[int64]protocol.Entry
	nextID  int64
	changed chan struct{}
	removed bool

	// publish serialises id allocation with the durable append so entries
	// become visible in id order. Held by the engine, never by Queue itself.
	publish sync.Mutex
}

// New returns an empty queue. It is not registered anywhere.
func New(name string) *Queue {
	return &Queue{
		name:    name,
		ids:     roaring64.New(),
		entries: make(map[int64]protocol.Entry),
		changed: make(chan struct{}),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// NextID hands out the next identifier. Identifiers are never reused.
func (q *Queue) NextID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextID
	q.nextID++
	return id
}

// PeekNextID returns the id the next NextID call would return
func (q *Queue) PeekNextID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextID
}

// LockPublish serialises producers on this queue. The returned func unlocks.
func (q *Queue) LockPublish() func() {
	q.publish.Lock()
	return q.publish.Unlock
}

// Insert stores entry under id and wakes every waiter. The high-water mark
// is raised past id so replayed sends never collide with new ones. An id
// that is already present is left untouched.
func (q *Queue) Insert(id int64, entry protocol.Entry) bool {
	if id < 0 {
		return false
	}

	q.mu.Lock()
	if id >= q.nextID {
		q.nextID = id + 1
	}
	if _, exists := q.entries[id]; exists {
		q.mu.Unlock()
		return false
	}
	q.entries[id] = entry
	q.ids.Add(uint64(id))
	ch := q.changed
	q.changed = make(chan struct{})
	q.mu.Unlock()

	// Broadcast: consumers wait on independent thresholds.
	close(ch)
	return true
}

// Ack removes the entry stored under id. Missing ids are ignored.
func (q *Queue) Ack(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[id]; !exists {
		return false
	}
	delete(q.entries, id)
	q.ids.Remove(uint64(id))
	return true
}

// Entry returns the entry stored under id
func (q *Queue) Entry(id int64) (protocol.Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	return entry, ok
}

// Len returns the number of live entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// After returns every entry with an id strictly greater than fromID,
// in ascending id order.
func (q *Queue) After(fromID int64) []protocol.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.afterLocked(fromID)
}

// Contents returns every live entry in ascending id order
func (q *Queue) Contents() []protocol.Item {
	return q.After(-1)
}

func (q *Queue) afterLocked(fromID int64) []protocol.Item {
	if !q.hasAfterLocked(fromID) {
		return nil
	}

	items := make([]protocol.Item, 0, len(q.entries))
	it := q.ids.Iterator()
	if fromID >= 0 {
		it.AdvanceIfNeeded(uint64(fromID) + 1)
	}
	for it.HasNext() {
		id := int64(it.Next())
		items = append(items, protocol.Item{
			ID:    protocol.MessageID{Queue: q.name, ID: id},
			Entry: q.entries[id],
		})
	}
	return items
}

func (q *Queue) hasAfterLocked(fromID int64) bool {
	if q.ids.IsEmpty() {
		return false
	}
	return int64(q.ids.Maximum()) > fromID
}

// Wait blocks until an entry with id greater than fromID is present or ctx
// is done. Cancellation leaves the queue untouched. Once the queue has been
// removed from its directory Wait returns a not-found error.
func (q *Queue) Wait(ctx context.Context, fromID int64) error {
	for {
		q.mu.Lock()
		if q.hasAfterLocked(fromID) {
			q.mu.Unlock()
			return nil
		}
		if q.removed {
			q.mu.Unlock()
			return errors.NewQueueNotFound(q.name, "wait")
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
			// re-check: the new entry may already be acked
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retire marks the queue removed and wakes its waiters
func (q *Queue) retire() {
	q.mu.Lock()
	q.removed = true
	ch := q.changed
	q.changed = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// State is a point-in-time copy of a queue used for comparison and compaction
type State struct {
	Name    string
	NextID  int64
	Entries []protocol.Item
}

// Snapshot copies the queue under its lock
func (q *Queue) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		Name:    q.name,
		NextID:  q.nextID,
		Entries: q.afterLocked(-1),
	}
}
