package batchflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finbase/batchflow/internal/logs"
	"github.com/finbase/batchflow/metrics"
	"github.com/finbase/batchflow/status"
	"github.com/google/uuid"
)

//RecordSource pull-based item feed the coordinator drains when the queue
//runs low
type RecordSource interface {
	//Pull returns up to max items, empty when the source is exhausted
	Pull(ctx context.Context, max int) ([]interface{}, error)
}

//ExecutionJournal persistence for batch passes and learned sizing
type ExecutionJournal interface {
	SizingJournal
	SaveExecution(ctx context.Context, execution *BatchExecution) error
	FinishExecution(ctx context.Context, execution *BatchExecution) error
}

//taskTrack per-root accounting until every submitted item is processed,
//dropped or failed
type taskTrack struct {
	rootId    string
	submitted int64
	processed int64
	dropped   int64
	failed    int64
	failErr   BatchError
	callback  Callback
	future    chan *TaskResult
	result    *TaskResult
	done      bool
	doneTime  time.Time
}

//BatchCoordinator drives the whole pipeline: admits tasks, assembles batches
//at the sizer's current size, dispatches them to acquired workers through
//the router, accounts results back to tasks and retries what its policy
//allows. One coordinator runs per engine.
type BatchCoordinator struct {
	cfg      *Config
	queue    *BatchQueue
	sizer    *AdaptiveSizer
	monitor  *BackpressureMonitor
	registry *WorkerRegistry
	router   *CommunicationRouter
	pool     *taskPool
	logger   logs.Logger
	journal  ExecutionJournal
	stats    *metrics.Set

	mu      sync.Mutex
	state   status.EngineState
	paused  bool
	stopped bool
	tracks  map[string]*taskTrack

	source         RecordSource
	sourceProc     Processor
	sourcePriority int
	refilling      bool

	batchListeners  []BatchListener
	sizingListeners []SizingListener

	execSeq  int64
	retries  chan *Batch
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inflight sync.WaitGroup

	latMu   sync.Mutex
	lats    [16]time.Duration
	latIdx  int
	latFull bool

	now func() time.Time
}

func newBatchCoordinator(cfg *Config, queue *BatchQueue, sizer *AdaptiveSizer, monitor *BackpressureMonitor,
	registry *WorkerRegistry, router *CommunicationRouter, pool *taskPool, logger logs.Logger,
	journal ExecutionJournal, stats *metrics.Set) *BatchCoordinator {
	return &BatchCoordinator{
		cfg:      cfg,
		queue:    queue,
		sizer:    sizer,
		monitor:  monitor,
		registry: registry,
		router:   router,
		pool:     pool,
		logger:   logger,
		journal:  journal,
		stats:    stats,
		state:    status.EngineIdle,
		tracks:   make(map[string]*taskTrack),
		retries:  make(chan *Batch, 64),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

//registerBatchListener call before Start
func (c *BatchCoordinator) registerBatchListener(l BatchListener) {
	c.batchListeners = append(c.batchListeners, l)
}

//registerSizingListener call before Start
func (c *BatchCoordinator) registerSizingListener(l SizingListener) {
	c.sizingListeners = append(c.sizingListeners, l)
}

//attachSource call before Start. Pulled items are submitted with the given
//processor and priority whenever the queue drains to the refill threshold.
func (c *BatchCoordinator) attachSource(src RecordSource, proc Processor, priority int) {
	c.source = src
	c.sourceProc = proc
	c.sourcePriority = priority
}

//Start launches the dispatch and sizing loops
func (c *BatchCoordinator) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.loop(ctx)
	go c.adjustLoop(ctx)
}

//Submit queues items for batched processing and returns the task id. The
//whole submission is refused when admissions are closed or the queue is at
//its ceiling, there is no partial accept.
func (c *BatchCoordinator) Submit(ctx context.Context, items []interface{}, processor Processor, opts ...TaskOption) (string, error) {
	if len(items) == 0 {
		return "", NewBatchError(ErrCodeRejected, "no items submitted")
	}
	if processor == nil {
		return "", NewBatchError(ErrCodeRejected, "no processor supplied")
	}
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return "", NewBatchError(ErrCodeRejected, "engine stopped")
	}
	if !c.monitor.ShouldAdmit() {
		c.stats.TaskRejected("emergency_pressure")
		return "", NewBatchError(ErrCodeRejected, "emergency pressure, admissions closed")
	}

	task := &BatchTask{
		Id:         uuid.NewString(),
		Items:      items,
		Processor:  processor,
		CreateTime: c.now(),
		Timeout:    c.cfg.Processing.Timeout,
	}
	for _, opt := range opts {
		opt(task)
	}

	c.registerTrack(task)
	if !c.queue.Push(task) {
		c.dropTrack(task.Id)
		c.stats.TaskRejected("queue_full")
		return "", NewBatchError(ErrCodeRejected, "queue full, tasks:%v ceiling:%v", c.queue.Len(), c.queue.Ceiling())
	}
	c.stats.TaskSubmitted()
	c.stats.SetQueueDepth(c.queue.Len(), c.queue.ItemCount())
	c.logger.Debug(ctx, "task:%v accepted, items:%v priority:%v", task.Id, len(items), task.Priority)
	return task.Id, nil
}

func (c *BatchCoordinator) registerTrack(task *BatchTask) {
	c.mu.Lock()
	c.tracks[task.Id] = &taskTrack{
		rootId:    task.Id,
		submitted: int64(len(task.Items)),
		callback:  task.Callback,
		future:    make(chan *TaskResult, 1),
	}
	c.mu.Unlock()
}

func (c *BatchCoordinator) dropTrack(taskId string) {
	c.mu.Lock()
	delete(c.tracks, taskId)
	c.mu.Unlock()
}

//Await blocks until the task reaches its terminal result
func (c *BatchCoordinator) Await(ctx context.Context, taskId string) (*TaskResult, error) {
	c.mu.Lock()
	track := c.tracks[taskId]
	c.mu.Unlock()
	if track == nil {
		return nil, NewBatchError(ErrCodeGeneral, "unknown task:%v", taskId)
	}
	c.mu.Lock()
	result, fut := track.result, track.future
	c.mu.Unlock()
	if result != nil {
		return result, nil
	}
	select {
	case r, ok := <-fut:
		if !ok {
			c.mu.Lock()
			r = track.result
			c.mu.Unlock()
		}
		return r, nil
	case <-ctx.Done():
		return nil, NewBatchError(ErrCodeCancelled, "await task:%v", taskId, ctx.Err())
	}
}

//loop acquire a worker, take the next batch, hand the pair to the pool
func (c *BatchCoordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if c.isPaused() {
			c.sleep(c.cfg.Processing.CycleDelay)
			continue
		}
		workerId, err := c.registry.Acquire()
		if err != nil {
			if CodeOf(err) == ErrCodeWorkerNotFound {
				c.toState(status.EngineError)
			}
			c.sleep(c.cfg.Processing.CycleDelay)
			continue
		}
		batch := c.nextBatch()
		if batch == nil {
			c.registry.Release(workerId)
			c.toState(status.EngineIdle)
			c.maybeRefill(ctx)
			c.sleep(c.cfg.Processing.CycleDelay)
			continue
		}
		if c.monitor.ShouldThrottle() {
			c.toState(status.EngineThrottling)
		} else {
			c.toState(status.EngineProcessing)
		}
		c.inflight.Add(1)
		c.pool.Submit(ctx, func() (interface{}, error) {
			defer c.inflight.Done()
			defer c.registry.Release(workerId)
			c.dispatch(ctx, workerId, batch)
			return nil, nil
		})
		c.throttleWait()
	}
}

//nextBatch retry batches go out before new extractions
func (c *BatchCoordinator) nextBatch() *Batch {
	select {
	case b := <-c.retries:
		return b
	default:
	}
	return c.extract(c.sizer.Size())
}

//extract assemble up to target items from the head of the queue. A task that
//does not fit whole is split, the remainder re-enters at the front of its
//priority class.
func (c *BatchCoordinator) extract(target int) *Batch {
	if target <= 0 {
		target = 1
	}
	var portions []portion
	count := 0
	for count < target {
		task := c.queue.Pop()
		if task == nil {
			break
		}
		room := target - count
		if len(task.Items) > room {
			head, rest := task.split(room)
			portions = append(portions, c.makePortion(task, head))
			c.queue.Requeue(rest)
			break
		}
		portions = append(portions, c.makePortion(task, task.Items))
		count += len(task.Items)
	}
	if len(portions) == 0 {
		return nil
	}
	c.stats.SetQueueDepth(c.queue.Len(), c.queue.ItemCount())
	return &Batch{Id: uuid.NewString(), portions: portions}
}

func (c *BatchCoordinator) makePortion(task *BatchTask, items []interface{}) portion {
	return portion{
		taskId:    task.Id,
		rootId:    task.Root(),
		items:     items,
		processor: task.Processor,
		callback:  task.Callback,
		timeout:   task.Timeout,
		taskCtx:   task.TaskCtx,
	}
}

//ProcessNext runs one dispatch cycle synchronously: acquire a worker, take
//the next batch, process it to completion. Returns nil without error when
//there is nothing to do. Hosts driving the engine manually use this instead
//of Start.
func (c *BatchCoordinator) ProcessNext(ctx context.Context) (*BatchExecution, error) {
	workerId, err := c.registry.Acquire()
	if err != nil {
		return nil, err
	}
	defer c.registry.Release(workerId)
	batch := c.nextBatch()
	if batch == nil {
		return nil, nil
	}
	return c.dispatch(ctx, workerId, batch), nil
}

//dispatch one batch pass against one worker, including result accounting
//and retry scheduling
func (c *BatchCoordinator) dispatch(ctx context.Context, workerId string, batch *Batch) *BatchExecution {
	execution := &BatchExecution{
		ExecutionId: atomic.AddInt64(&c.execSeq, 1),
		BatchId:     batch.Id,
		TaskIds:     batch.TaskIds(),
		Items:       batch.Size(),
		Attempt:     batch.attempt + 1,
		WorkerId:    workerId,
		CreateTime:  c.now(),
	}
	execution.start()
	c.notifyBefore(execution)
	if c.journal != nil {
		if err := c.journal.SaveExecution(ctx, execution); err != nil {
			c.logger.Warn(ctx, "journal save execution:%v err:%v", execution.BatchId, err)
		}
	}

	resp, strategy, err := c.router.Send(ctx, workerId, batch)
	execution.Strategy = strategy
	if err != nil {
		c.completeFailed(ctx, batch, execution, err)
	} else {
		c.completeResponse(ctx, batch, execution, resp)
	}

	if c.journal != nil {
		if jerr := c.journal.FinishExecution(ctx, execution); jerr != nil {
			c.logger.Warn(ctx, "journal finish execution:%v err:%v", execution.BatchId, jerr)
		}
	}
	c.noteLatency(execution.Duration())
	c.notifyAfter(execution)
	return execution
}

//completeFailed the dispatch itself failed, no portion was processed. Only a
//transfer failure proves that for sure, so only transfer failures retry the
//whole batch. A timeout or a dead worker leaves the outcome unknown and the
//batch fails rather than risk processing items twice.
func (c *BatchCoordinator) completeFailed(ctx context.Context, batch *Batch, execution *BatchExecution, err error) {
	execution.finish(err)
	c.sizer.Record(ctx, BatchObservation{
		Time:      c.now(),
		BatchSize: execution.Items,
		Items:     execution.Items,
		Duration:  execution.Duration(),
		Errors:    execution.Items,
	})
	batch.attempt++
	if CodeOf(err) == ErrCodeTransferFailed && batch.attempt < c.cfg.Processing.MaxRetries {
		c.logger.Warn(ctx, "batch:%v transfer failed on attempt %v, will retry: %v", batch.Id, batch.attempt, err)
		c.stats.BatchFinished("retry", execution.Duration())
		c.scheduleRetry(batch, c.backoff(batch.attempt))
		return
	}
	c.logger.Error(ctx, "batch:%v failed permanently on attempt %v: %v", batch.Id, batch.attempt, err)
	c.stats.BatchFinished("failed", execution.Duration())
	c.failBatch(batch, asBatchError(err))
}

//completeResponse the worker answered, settle every portion
func (c *BatchCoordinator) completeResponse(ctx context.Context, batch *Batch, execution *BatchExecution, resp *ResponseBody) {
	failByTask := make(map[string]PortionError, len(resp.Errors))
	for _, pe := range resp.Errors {
		failByTask[pe.TaskId] = pe
	}

	var retry []portion
	processed, failed := 0, 0
	maxAttempt := 0
	for _, p := range batch.portions {
		pe, bad := failByTask[p.taskId]
		if !bad {
			processed += len(p.items)
			c.account(p.rootId, len(p.items), 0, 0, nil)
			continue
		}
		p.attempt++
		if pe.Code == ErrCodeProcessingFailed && p.attempt < c.cfg.Processing.MaxRetries {
			if p.attempt > maxAttempt {
				maxAttempt = p.attempt
			}
			retry = append(retry, p)
			continue
		}
		failed += len(p.items)
		c.account(p.rootId, 0, 0, len(p.items), NewBatchError(pe.Code, "task:%v attempt %v: %v", p.taskId, p.attempt, pe.Message))
	}

	if len(retry) > 0 {
		c.logger.Info(ctx, "batch:%v finished with %v portions to retry", batch.Id, len(retry))
		c.scheduleRetry(&Batch{Id: uuid.NewString(), portions: retry}, c.backoff(maxAttempt))
	}
	execution.finish(nil)
	c.stats.BatchFinished("ok", execution.Duration())
	c.stats.ItemsProcessed(processed)
	c.stats.ItemsFailed(failed)
	c.sizer.Record(ctx, BatchObservation{
		Time:      c.now(),
		BatchSize: execution.Items,
		Items:     execution.Items,
		Duration:  execution.Duration(),
		Errors:    execution.Items - processed,
	})
}

//backoff delay before try attempt+1, doubles per completed attempt
func (c *BatchCoordinator) backoff(attempt int) time.Duration {
	d := c.cfg.Processing.RetryBaseDelay
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (c *BatchCoordinator) scheduleRetry(batch *Batch, delay time.Duration) {
	c.stats.RetryScheduled()
	time.AfterFunc(delay, func() {
		select {
		case <-c.stopCh:
			c.failBatch(batch, NewBatchError(ErrCodeCancelled, "engine shutting down"))
		case c.retries <- batch:
		}
	})
}

//failBatch settle every portion of the batch with the same error
func (c *BatchCoordinator) failBatch(batch *Batch, err BatchError) {
	for _, p := range batch.portions {
		c.stats.ItemsFailed(len(p.items))
		c.account(p.rootId, 0, 0, len(p.items), err)
	}
}

//handleDrops settle tasks the queue evicted under critical pressure
func (c *BatchCoordinator) handleDrops(dropped []*BatchTask) {
	for _, task := range dropped {
		c.stats.ItemsDropped(len(task.Items))
		c.account(task.Root(), 0, len(task.Items), 0, NewBatchError(ErrCodeRejected, "task:%v dropped under critical pressure", task.Id))
	}
}

//account settle items against the root task and resolve it once everything
//is spoken for. No-op on tasks already resolved, late news cannot change a
//delivered result.
func (c *BatchCoordinator) account(rootId string, processed, dropped, failed int, err BatchError) {
	c.mu.Lock()
	track := c.tracks[rootId]
	if track == nil || track.done {
		c.mu.Unlock()
		return
	}
	track.processed += int64(processed)
	track.dropped += int64(dropped)
	track.failed += int64(failed)
	if err != nil && track.failErr == nil {
		track.failErr = err
	}
	var result *TaskResult
	var cb Callback
	if track.processed+track.dropped+track.failed >= track.submitted {
		track.done = true
		track.doneTime = c.now()
		st := status.COMPLETED
		if track.failed > 0 || track.dropped > 0 {
			st = status.FAILED
		}
		result = &TaskResult{
			TaskId:         rootId,
			TaskStatus:     st,
			ItemsSubmitted: track.submitted,
			ItemsProcessed: track.processed,
			ItemsDropped:   track.dropped,
			CompleteTime:   track.doneTime,
		}
		if track.failErr != nil {
			result.FailError = track.failErr
		}
		track.result = result
		track.future <- result
		close(track.future)
		cb = track.callback
	}
	c.mu.Unlock()

	if result != nil {
		c.logger.Info(context.Background(), "task:%v finished, status:%v processed:%v dropped:%v",
			rootId, result.TaskStatus, result.ItemsProcessed, result.ItemsDropped)
		if cb != nil {
			c.pool.Submit(context.Background(), func() (interface{}, error) {
				cb(result)
				return nil, nil
			})
		}
	}
}

//pruneTracks drops resolved tasks older than maxAge so long-running engines
//do not accumulate results forever. Await on a pruned task reports unknown.
func (c *BatchCoordinator) pruneTracks(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, track := range c.tracks {
		if track.done && track.doneTime.Before(cutoff) {
			delete(c.tracks, id)
			n++
		}
	}
	return n
}

//maybeRefill pull from the attached source when the queue has drained
func (c *BatchCoordinator) maybeRefill(ctx context.Context) {
	c.mu.Lock()
	src, proc := c.source, c.sourceProc
	if src == nil || c.refilling || c.queue.Len() > c.cfg.Queue.RefillThreshold {
		c.mu.Unlock()
		return
	}
	c.refilling = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.refilling = false
			c.mu.Unlock()
		}()
		items, err := src.Pull(ctx, c.cfg.Queue.RefillMax)
		if err != nil {
			c.logger.Warn(ctx, "source pull err:%v", err)
			return
		}
		if len(items) == 0 {
			return
		}
		if _, err := c.Submit(ctx, items, proc, WithPriority(c.sourcePriority)); err != nil {
			c.logger.Warn(ctx, "source refill rejected: %v", err)
		}
	}()
}

func (c *BatchCoordinator) adjustLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Batch.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			result := c.sizer.Adjust(ctx)
			c.stats.SetBatchSize(result.New)
			if result.Action != SizeHold {
				for _, l := range c.sizingListeners {
					l.OnSizeChange(result)
				}
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

//throttleWait stretches the gap between dispatches when throttled, full
//speed adds no delay
func (c *BatchCoordinator) throttleWait() {
	factor := c.monitor.ThrottleFactor()
	c.stats.SetThrottle(factor)
	if factor >= 1.0 {
		return
	}
	base := c.cfg.Processing.CycleDelay
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	c.sleep(time.Duration(float64(base) * (1/factor - 1)))
}

func (c *BatchCoordinator) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stopCh:
	}
}

func (c *BatchCoordinator) notifyBefore(execution *BatchExecution) {
	for _, l := range c.batchListeners {
		l.BeforeBatch(execution)
	}
}

func (c *BatchCoordinator) notifyAfter(execution *BatchExecution) {
	for _, l := range c.batchListeners {
		l.AfterBatch(execution)
	}
}

//noteLatency feeds the pressure monitor's latency signal
func (c *BatchCoordinator) noteLatency(d time.Duration) {
	if d <= 0 {
		return
	}
	c.latMu.Lock()
	c.lats[c.latIdx] = d
	c.latIdx++
	if c.latIdx == len(c.lats) {
		c.latIdx = 0
		c.latFull = true
	}
	c.latMu.Unlock()
}

//recentLatency average duration of recent batch passes, zero before the
//first pass
func (c *BatchCoordinator) recentLatency() time.Duration {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	n := c.latIdx
	if c.latFull {
		n = len(c.lats)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += c.lats[i]
	}
	return total / time.Duration(n)
}

//State the coordinator's current lifecycle state
func (c *BatchCoordinator) State() status.EngineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *BatchCoordinator) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

//Pause holds dispatching, queued work stays queued and admissions stay open
func (c *BatchCoordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.paused {
		return
	}
	c.paused = true
	c.setStateLocked(status.EnginePaused)
}

//Resume continues dispatching after Pause
func (c *BatchCoordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.paused {
		return
	}
	c.paused = false
	c.setStateLocked(status.EngineIdle)
}

func (c *BatchCoordinator) toState(s status.EngineState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *BatchCoordinator) setStateLocked(s status.EngineState) {
	if c.state == s || c.state == status.EngineStopped {
		return
	}
	c.state = s
}

//Stop halts the loops, cancels everything still queued and resolves every
//unfinished task. Safe to call twice.
func (c *BatchCoordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	close(c.stopCh)
	c.wg.Wait()
	c.inflight.Wait()

	cancelErr := NewBatchError(ErrCodeCancelled, "engine shutting down")
	for {
		select {
		case b := <-c.retries:
			c.failBatch(b, cancelErr)
			continue
		default:
		}
		break
	}
	for _, task := range c.queue.DrainAll() {
		c.account(task.Root(), 0, 0, len(task.Items), cancelErr)
	}
	//anything still unresolved has no portion in flight anymore, settle it
	c.mu.Lock()
	var force []*taskTrack
	for _, track := range c.tracks {
		if !track.done {
			force = append(force, track)
		}
	}
	c.mu.Unlock()
	for _, track := range force {
		remaining := track.submitted - track.processed - track.dropped - track.failed
		c.account(track.rootId, 0, 0, int(remaining), cancelErr)
	}
	c.toState(status.EngineStopped)
	c.logger.Info(ctx, "coordinator stopped")
}
