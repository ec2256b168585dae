package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Lookup is the result of Directory.Find. Queue is never nil; Registered
// tells a live queue apart from the empty stand-in returned for unknown names.
type Lookup struct {
	Queue      *Queue
	Registered bool
}

// Directory owns the set of live queues and the callers waiting for a queue
// to be created. A name with pending waiters is never present in queues.
type Directory struct {
	mu      sync.RWMutex
	queues  map[string]*Queue
	waiters map[string]map[*waiter]struct{}
}

type waiter struct {
	done chan struct{}
}

// NewDirectory returns an empty directory
func NewDirectory() *Directory {
	return &Directory{
		queues:  make(map[string]*Queue),
		waiters: make(map[string]map[*waiter]struct{}),
	}
}

// Exists reports whether name is a registered queue
func (d *Directory) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.queues[name]
	return ok
}

// Add registers an empty queue under name and releases everyone waiting for
// it. It returns false, and does nothing, if the queue already exists.
func (d *Directory) Add(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.queues[name]; ok {
		return false
	}
	d.queues[name] = New(name)

	for w := range d.waiters[name] {
		close(w.done)
	}
	delete(d.waiters, name)
	return true
}

// Remove drops the queue and its entries. Callers parked in Queue.Wait on
// the dropped queue are woken; creation waiters are not touched.
func (d *Directory) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[name]
	if !ok {
		return false
	}
	delete(d.queues, name)
	q.retire()
	return true
}

// Get returns the registered queue for name
func (d *Directory) Get(name string) (*Queue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q, ok := d.queues[name]
	return q, ok
}

// Find returns the queue for name, or a fresh unregistered queue if there is
// none. The stand-in is not stored, so mutating it has no lasting effect.
func (d *Directory) Find(name string) Lookup {
	if q, ok := d.Get(name); ok {
		return Lookup{Queue: q, Registered: true}
	}
	return Lookup{Queue: New(name)}
}

// List returns the names starting with prefix. Callers must not depend on
// the order; it is sorted only to keep output stable.
func (d *Directory) List(prefix string) []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.queues))
	for name := range d.queues {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Queues returns every registered queue
func (d *Directory) Queues() []*Queue {
	d.mu.RLock()
	defer d.mu.RUnlock()

	queues := make([]*Queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].name < queues[j].name })
	return queues
}

// Len returns the number of registered queues
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.queues)
}

// WaitFor blocks until name exists or ctx is done. A cancelled waiter is
// removed before WaitFor returns, so it can never be woken later.
func (d *Directory) WaitFor(ctx context.Context, name string) error {
	d.mu.Lock()
	if _, ok := d.queues[name]; ok {
		d.mu.Unlock()
		return nil
	}
	w := &waiter{done: make(chan struct{})}
	set, ok := d.waiters[name]
	if !ok {
		set = make(map[*waiter]struct{})
		d.waiters[name] = set
	}
	set[w] = struct{}{}
	d.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-w.done:
		// Add won the race; the queue exists.
		return nil
	default:
	}
	if set, ok := d.waiters[name]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(d.waiters, name)
		}
	}
	return ctx.Err()
}

// Waiting returns the number of callers blocked in WaitFor for name
func (d *Directory) Waiting(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.waiters[name])
}
