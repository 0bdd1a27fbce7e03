package crawler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// queueItem wraps a task with an insertion sequence so equal priorities
// dequeue FIFO.
type queueItem struct {
	task *models.CrawlTask
	seq  uint64
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// QueueStats is a point-in-time counter snapshot.
type QueueStats struct {
	TotalQueued int
	Completed   int
	Failed      int
}

// CrawlQueue is a priority queue of crawl tasks with URL deduplication and
// in-flight accounting. Unfinished counts both queued and popped-but-not-
// yet-done tasks; a drained queue with zero unfinished means the run is
// complete.
type CrawlQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   taskHeap
	visited map[string]bool
	nextSeq uint64

	totalQueued int
	completed   int
	failed      int
	unfinished  int
}

// NewCrawlQueue creates an empty queue.
func NewCrawlQueue() *CrawlQueue {
	q := &CrawlQueue{
		visited: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues a task unless its URL was already seen this run. Returns
// false for duplicates.
func (q *CrawlQueue) Put(task *models.CrawlTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.visited[task.URL] {
		return false
	}
	q.visited[task.URL] = true

	item := &queueItem{task: task, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.items, item)

	q.totalQueued++
	q.unfinished++

	q.cond.Signal()
	return true
}

// Get pops the highest-priority task, waiting up to timeout for one to
// arrive. Returns nil on timeout. The popped URL stays in the visited set.
func (q *CrawlQueue) Get(timeout time.Duration) *models.CrawlTask {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		// sync.Cond has no timed wait; a timer broadcast bounds the sleep.
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}

	item := heap.Pop(&q.items).(*queueItem)
	return item.task
}

// TaskDone records the outcome of a popped task.
func (q *CrawlQueue) TaskDone(success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if success {
		q.completed++
	} else {
		q.failed++
	}
	if q.unfinished > 0 {
		q.unfinished--
	}
}

// Stats returns the monotonic run counters.
func (q *CrawlQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		TotalQueued: q.totalQueued,
		Completed:   q.completed,
		Failed:      q.failed,
	}
}

// Size returns the number of queued-but-not-popped tasks.
func (q *CrawlQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether no tasks remain queued.
func (q *CrawlQueue) IsEmpty() bool {
	return q.Size() == 0
}

// Unfinished returns the count of tasks queued or currently processing.
func (q *CrawlQueue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Clear drops all queued tasks and resets the visited set. Tasks already
// popped by workers are unaffected and still owe a TaskDone.
func (q *CrawlQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.items)
	q.items = nil
	q.visited = make(map[string]bool)
	q.unfinished -= dropped

	q.cond.Broadcast()
}
