package monitor

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Item is a deferred check of one condition on one door.
type Item struct {
	ID        string             `json:"id"`
	DoorID    string             `json:"door_id"`
	Condition dock.ConditionKind `json:"condition"`
	// Anchor is the door timestamp the condition started at. A different
	// anchor on the door means the situation was reset.
	Anchor    time.Time `json:"anchor"`
	CreatedAt time.Time `json:"created_at"`
	NextCheck time.Time `json:"next_check"`
	Attempts  int       `json:"attempts"`

	index int
}

// NewItem builds an item first checked at anchor+after, and never before
// createdAt.
func NewItem(doorID string, cond dock.ConditionKind, anchor time.Time, after time.Duration, createdAt time.Time) Item {
	next := anchor.Add(after)
	if next.Before(createdAt) {
		next = createdAt
	}
	return Item{
		ID:        uuid.NewString(),
		DoorID:    doorID,
		Condition: cond,
		Anchor:    anchor,
		CreatedAt: createdAt,
		NextCheck: next,
	}
}

func (i Item) key() string {
	return i.DoorID + "|" + string(i.Condition)
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].NextCheck.Equal(h[j].NextCheck) {
		return h[i].key() < h[j].key()
	}
	return h[i].NextCheck.Before(h[j].NextCheck)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue orders items by next check time. It holds at most one item per
// door and condition.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	byKey map[string]*Item
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{byKey: make(map[string]*Item)}
}

// Push adds an item. If the door already has an item for the condition,
// the newer anchor wins; an item with the same or an older anchor is
// ignored. Push reports whether the item was stored.
func (q *Queue) Push(it Item) bool {
	if it.NextCheck.Before(it.CreatedAt) {
		it.NextCheck = it.CreatedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[it.key()]; ok {
		if !it.Anchor.After(existing.Anchor) {
			return false
		}
		heap.Remove(&q.items, existing.index)
	}

	stored := it
	heap.Push(&q.items, &stored)
	q.byKey[it.key()] = &stored
	return true
}

// PopDue removes and returns every item whose next check is at or before
// now, earliest first.
func (q *Queue) PopDue(now time.Time) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Item
	for len(q.items) > 0 && !q.items[0].NextCheck.After(now) {
		it := heap.Pop(&q.items).(*Item)
		delete(q.byKey, it.key())
		due = append(due, *it)
	}
	return due
}

// Peek returns the earliest item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return *q.items[0], true
}

// Remove drops the item for a door and condition.
func (q *Queue) Remove(doorID string, cond dock.ConditionKind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := Item{DoorID: doorID, Condition: cond}.key()
	it, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byKey, key)
	return true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue ordered by next check.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextCheck.Before(out[j].NextCheck) })
	return out
}
