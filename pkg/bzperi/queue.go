package bzperi

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

// Update names one characteristic whose server-side value changed.
type Update struct {
	Path      dbus.ObjectPath
	Interface string
}

// UpdateQueue is the hand-off between application threads producing value
// changes and the worker loop delivering them to characteristic callbacks.
// Push adds at the front and Pop takes from the back, which makes delivery
// plain FIFO. Safe for concurrent use.
type UpdateQueue struct {
	mu      sync.Mutex
	entries []Update
}

// NewUpdateQueue returns an empty queue.
func NewUpdateQueue() *UpdateQueue {
	return &UpdateQueue{}
}

// Push adds an update at the front of the queue.
func (q *UpdateQueue) Push(path dbus.ObjectPath, iface string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]Update{{Path: path, Interface: iface}}, q.entries...)
}

// Pop removes the oldest update from the back. With keep set the entry is
// returned but left in place, so the next Pop sees it again. The second
// return is false when the queue is empty.
func (q *UpdateQueue) Pop(keep bool) (Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Update{}, false
	}
	u := q.entries[len(q.entries)-1]
	if !keep {
		q.entries = q.entries[:len(q.entries)-1]
	}
	return u, true
}

// Size returns the number of queued updates.
func (q *UpdateQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether the queue holds no updates.
func (q *UpdateQueue) IsEmpty() bool {
	return q.Size() == 0
}

// Clear discards all queued updates.
func (q *UpdateQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}
