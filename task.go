package batchflow

import (
	"context"
	"fmt"
	"time"

	"github.com/finbase/batchflow/status"
)

//Processor handles the items of one batch portion. Every submission must
//supply one, there is no default implementation.
type Processor func(ctx context.Context, items []interface{}) error

//Callback observes the terminal result of one submitted task. Invoked at most
//once, after the last item of the task has been processed, dropped or failed.
type Callback func(result *TaskResult)

//BatchTask a submitted unit of work awaiting batching. Immutable once
//enqueued except for splitting, which carves off a remainder task.
type BatchTask struct {
	Id         string
	Items      []interface{}
	Processor  Processor
	Callback   Callback
	Priority   int
	CreateTime time.Time
	Timeout    time.Duration
	TaskCtx    *BatchContext

	//rootId groups split remainders under the originally submitted task
	rootId string
	//seq preserves submission order inside one priority class. A remainder
	//keeps its parent's seq so it re-enters at the front of the class.
	seq uint64
	//splits counts how many times the lineage has been split
	splits int
}

//Root returns the id of the originally submitted task this task descends from.
func (task *BatchTask) Root() string {
	if task.rootId != "" {
		return task.rootId
	}
	return task.Id
}

//split carves the first n items off for the current batch and returns the
//remainder as a new task with the same priority, callback and timeout. The
//remainder gets a deep copy of the annotations, the dispatched half may be
//mutated by a processor while the remainder is still queued. Caller
//guarantees 0 < n < len(task.Items).
func (task *BatchTask) split(n int) (head []interface{}, rest *BatchTask) {
	head = task.Items[:n]
	var taskCtx *BatchContext
	if task.TaskCtx != nil {
		taskCtx = task.TaskCtx.DeepCopy()
	}
	rest = &BatchTask{
		Id:         fmt.Sprintf("%s#%d", task.Root(), task.splits+1),
		Items:      task.Items[n:],
		Processor:  task.Processor,
		Callback:   task.Callback,
		Priority:   task.Priority,
		CreateTime: task.CreateTime,
		Timeout:    task.Timeout,
		TaskCtx:    taskCtx,
		rootId:     task.Root(),
		seq:        task.seq,
		splits:     task.splits + 1,
	}
	return head, rest
}

//portion the slice of one task that entered the current batch
type portion struct {
	taskId    string
	rootId    string
	items     []interface{}
	processor Processor
	callback  Callback
	timeout   time.Duration
	taskCtx   *BatchContext
	//attempt completed tries of this portion, bounds per-portion retries
	attempt int
}

//Batch a bounded group of items assembled from one or more tasks for a single
//processing pass. Exists only for the lifetime of one cycle.
type Batch struct {
	Id       string
	portions []portion
	//attempt completed dispatch tries of the whole batch, bounds transfer
	//retries
	attempt int
}

//Size total number of items across all portions.
func (b *Batch) Size() int {
	n := 0
	for _, p := range b.portions {
		n += len(p.items)
	}
	return n
}

//TaskIds ids of the tasks contributing to this batch, in portion order.
func (b *Batch) TaskIds() []string {
	ids := make([]string, 0, len(b.portions))
	for _, p := range b.portions {
		ids = append(ids, p.taskId)
	}
	return ids
}

//TaskOption tweaks a task at submission
type TaskOption func(task *BatchTask)

//WithPriority higher priorities leave the queue first, default 0
func WithPriority(priority int) TaskOption {
	return func(task *BatchTask) {
		task.Priority = priority
	}
}

//WithTimeout per-portion processing deadline, default the engine's
//processing timeout
func WithTimeout(timeout time.Duration) TaskOption {
	return func(task *BatchTask) {
		task.Timeout = timeout
	}
}

//WithCallback invoked once with the terminal result of the task
func WithCallback(callback Callback) TaskOption {
	return func(task *BatchTask) {
		task.Callback = callback
	}
}

//WithTaskContext annotations carried to every portion of the task
func WithTaskContext(taskCtx *BatchContext) TaskOption {
	return func(task *BatchTask) {
		task.TaskCtx = taskCtx
	}
}

//TaskResult terminal outcome of one submitted task
type TaskResult struct {
	TaskId         string
	TaskStatus     status.BatchStatus
	ItemsSubmitted int64
	ItemsProcessed int64
	ItemsDropped   int64
	FailError      error
	CompleteTime   time.Time
}
