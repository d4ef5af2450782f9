package batchflow

import (
	"container/heap"
	"sync"
)

//taskHeap orders pending tasks by descending priority, submission order
//preserved inside one priority class. A split remainder reuses its parent's
//sequence, placing it ahead of every later arrival of the same priority.
type taskHeap []*BatchTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*BatchTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

//BatchQueue bounded priority store of tasks awaiting batching. All mutation
//goes through its own lock, no caller touches the heap directly. The
//effective ceiling can be shrunk below the configured capacity while the
//system is under pressure.
type BatchQueue struct {
	mu       sync.Mutex
	heap     taskHeap
	capacity int
	ceiling  int
	seq      uint64
	items    int
}

//NewBatchQueue build a queue holding at most capacity tasks.
func NewBatchQueue(capacity int) *BatchQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &BatchQueue{
		heap:     make(taskHeap, 0, capacity),
		capacity: capacity,
		ceiling:  capacity,
	}
}

//Push enqueue a task, assigning its submission sequence. Reports false when
//the queue is at its effective ceiling, the task is not enqueued then.
func (q *BatchQueue) Push(task *BatchTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.ceiling {
		return false
	}
	q.seq++
	task.seq = q.seq
	heap.Push(&q.heap, task)
	q.items += len(task.Items)
	return true
}

//Requeue put a split remainder back. The task keeps its parent's sequence so
//it stays at the front of its priority class, and the ceiling check is
//skipped, extraction just freed at least one slot.
func (q *BatchQueue) Requeue(task *BatchTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, task)
	q.items += len(task.Items)
}

//Pop dequeue the most urgent task, nil when empty.
func (q *BatchQueue) Pop() *BatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	task := heap.Pop(&q.heap).(*BatchTask)
	q.items -= len(task.Items)
	return task
}

//EvictLowest drop lowest-priority tasks until the queue holds at most limit
//tasks. Among equal priorities the newest submission goes first, older work
//keeps its place. Returns the dropped tasks for the caller to resolve.
func (q *BatchQueue) EvictLowest(limit int) []*BatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit < 0 {
		limit = 0
	}
	var dropped []*BatchTask
	for len(q.heap) > limit {
		idx := 0
		for i := 1; i < len(q.heap); i++ {
			v, w := q.heap[i], q.heap[idx]
			if v.Priority < w.Priority || (v.Priority == w.Priority && v.seq > w.seq) {
				idx = i
			}
		}
		task := heap.Remove(&q.heap, idx).(*BatchTask)
		q.items -= len(task.Items)
		dropped = append(dropped, task)
	}
	return dropped
}

//DrainAll remove and return every queued task, most urgent first.
func (q *BatchQueue) DrainAll() []*BatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]*BatchTask, 0, len(q.heap))
	for len(q.heap) > 0 {
		task := heap.Pop(&q.heap).(*BatchTask)
		q.items -= len(task.Items)
		drained = append(drained, task)
	}
	return drained
}

//ShrinkCeiling lower the effective ceiling to ratio of the configured
//capacity, never below one slot. Tasks already queued above the new ceiling
//stay queued.
func (q *BatchQueue) ShrinkCeiling(ratio float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := int(float64(q.capacity) * ratio)
	if c < 1 {
		c = 1
	}
	q.ceiling = c
}

//RestoreCeiling reset the effective ceiling to the configured capacity.
func (q *BatchQueue) RestoreCeiling() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ceiling = q.capacity
}

//Len number of queued tasks.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

//ItemCount number of queued items across all tasks.
func (q *BatchQueue) ItemCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items
}

//Ceiling current effective ceiling.
func (q *BatchQueue) Ceiling() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ceiling
}

//Occupancy fill ratio against the effective ceiling, may exceed 1.0 after a
//shrink.
func (q *BatchQueue) Occupancy() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ceiling == 0 {
		return 0
	}
	return float64(len(q.heap)) / float64(q.ceiling)
}
