package supervisor

import (
	"container/heap"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrItemExists is returned when an item id is already queued
	ErrItemExists = errors.New("item already exists in queue")
)

type queuedItem struct {
	item  *WorkItem
	seq   uint64
	index int
}

// itemHeap implements heap.Interface: high priority first, FIFO within a
// priority tier.
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedItem)
	item.index = n
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// WorkQueue holds an actor's pending items. High priority drains before
// normal; within a tier items come out in insertion order.
type WorkQueue struct {
	mu      sync.RWMutex
	heap    itemHeap
	itemMap map[string]*queuedItem
	nextSeq uint64
	maxSize int
}

// NewWorkQueue creates a work queue. maxSize 0 means unbounded.
func NewWorkQueue(maxSize int) *WorkQueue {
	q := &WorkQueue{
		heap:    make(itemHeap, 0),
		itemMap: make(map[string]*queuedItem),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds an item to the queue
func (q *WorkQueue) Enqueue(item *WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.itemMap[item.ID]; exists {
		return ErrItemExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qi := &queuedItem{item: item, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, qi)
	q.itemMap[item.ID] = qi
	return nil
}

// Dequeue removes and returns the next item, nil when empty
func (q *WorkQueue) Dequeue() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qi := heap.Pop(&q.heap).(*queuedItem)
	delete(q.itemMap, qi.item.ID)
	return qi.item
}

// DropControl removes all high-priority items. Used when the worker dies:
// queued cancels and closes are moot once the process is gone.
func (q *WorkQueue) DropControl() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	kept := make(itemHeap, 0, len(q.heap))
	for _, qi := range q.heap {
		if qi.item.Priority == PriorityHigh {
			delete(q.itemMap, qi.item.ID)
			dropped++
			continue
		}
		kept = append(kept, qi)
	}
	q.heap = kept
	heap.Init(&q.heap)
	return dropped
}

// Len returns the number of queued items
func (q *WorkQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// Clear removes all items
func (q *WorkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = make(itemHeap, 0)
	q.itemMap = make(map[string]*queuedItem)
	heap.Init(&q.heap)
}
