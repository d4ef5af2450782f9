package batchflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finbase/batchflow/internal/logs"
	"github.com/finbase/batchflow/status"
)

//WorkerRecord registry view of one worker. Mutated only by the heartbeat
//handler, the health loops and the lifecycle paths, all serialized by the
//registry lock.
type WorkerRecord struct {
	WorkerId       string
	State          status.WorkerState
	LastHeartbeat  time.Time
	LastTransition time.Time
	TasksProcessed int64
	MemoryUsed     int64
	MemoryCeiling  int64
	StartTime      time.Time
}

//WorkerEvent one entry of the health stream. From equals To for advisory
//events such as a suspected memory leak.
type WorkerEvent struct {
	WorkerId string
	From     status.WorkerState
	To       status.WorkerState
	Note     string
	Record   WorkerRecord
	Time     time.Time
}

type pendingAsk struct {
	ch       chan *Message
	workerId string
}

type workerSlot struct {
	handle *WorkerHandle
	record WorkerRecord
	busy   bool
	gone   chan struct{}
}

//WorkerRegistry owns the worker pool: spawning, message admission, response
//correlation, heartbeat bookkeeping, zombie and leak detection, shutdown.
//It never respawns a cleaned worker, replacement is the coordinator's call.
type WorkerRegistry struct {
	cfg    *WorkerConfig
	logger logs.Logger

	mu      sync.Mutex
	workers map[string]*workerSlot
	order   []string
	rrIdx   int
	pending map[string]pendingAsk
	stopped bool

	deref  materializer
	events chan WorkerEvent
	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

func newWorkerRegistry(cfg *WorkerConfig, logger logs.Logger) *WorkerRegistry {
	return &WorkerRegistry{
		cfg:     cfg,
		logger:  logger,
		workers: map[string]*workerSlot{},
		pending: map[string]pendingAsk{},
		events:  make(chan WorkerEvent, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

func (r *WorkerRegistry) setMaterializer(m materializer) {
	r.deref = m
}

//Start launch the recurring health and leak checks.
func (r *WorkerRegistry) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.healthLoop(ctx)
	go r.leakLoop(ctx)
}

//Spawn create a worker, run its entry with the initial payload and start
//serving. The returned id addresses the worker in Send and Ask.
func (r *WorkerRegistry) Spawn(ctx context.Context, entry WorkerEntry, init interface{}) (string, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", NewBatchError(ErrCodeGeneral, "registry is stopped")
	}
	id := uuid.NewString()
	handle := newWorkerHandle(id, entry, init, r.deref, r.cfg.HeartbeatInterval, r.cfg.Mailbox)
	slot := &workerSlot{
		handle: handle,
		gone:   make(chan struct{}),
		record: WorkerRecord{
			WorkerId:       id,
			State:          status.WorkerStarting,
			LastHeartbeat:  r.now(),
			LastTransition: r.now(),
			MemoryCeiling:  r.cfg.MemoryCeiling,
			StartTime:      r.now(),
		},
	}
	r.workers[id] = slot
	r.order = append(r.order, id)
	r.publishLocked(WorkerEvent{WorkerId: id, To: status.WorkerStarting, Record: slot.record, Time: r.now()})
	r.mu.Unlock()

	handle.start(ctx)
	r.wg.Add(1)
	go r.pump(slot)
	r.logger.Info(ctx, "spawn worker, id:%v", id)
	return id, nil
}

//pump drains one worker's outbox until it closes, then finalizes the record.
func (r *WorkerRegistry) pump(slot *workerSlot) {
	defer r.wg.Done()
	for msg := range slot.handle.outbox {
		switch msg.Kind {
		case KindHeartbeat:
			r.onHeartbeat(msg)
		case KindResponse, KindError:
			r.complete(msg)
		}
	}
	r.onExit(slot.handle)
}

func (r *WorkerRegistry) onHeartbeat(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.workers[msg.WorkerId]
	if !ok {
		return
	}
	hb := msg.Heartbeat
	slot.record.LastHeartbeat = r.now()
	slot.record.MemoryUsed = hb.MemoryUsed
	slot.record.TasksProcessed = hb.TasksProcessed
	if hb.State != slot.record.State && slot.record.State.CanTransition(hb.State) {
		r.transitionLocked(slot, hb.State, "")
	}
}

func (r *WorkerRegistry) complete(msg *Message) {
	r.mu.Lock()
	ask, ok := r.pending[msg.CorrelationId]
	if ok {
		delete(r.pending, msg.CorrelationId)
	}
	r.mu.Unlock()
	if ok {
		ask.ch <- msg
	}
}

//onExit runs after a worker's serve loop ended for any reason.
func (r *WorkerRegistry) onExit(handle *WorkerHandle) {
	r.mu.Lock()
	slot, ok := r.workers[handle.id]
	if !ok {
		r.mu.Unlock()
		return
	}
	exitErr := handle.ExitErr()
	if exitErr != nil && slot.record.State.CanTransition(status.WorkerCrashed) {
		r.transitionLocked(slot, status.WorkerCrashed, exitErr.Error())
	}
	if slot.record.State.Alive() {
		r.transitionLocked(slot, status.WorkerStopping, "")
	}
	if slot.record.State.CanTransition(status.WorkerStopped) {
		r.transitionLocked(slot, status.WorkerStopped, "")
	}
	delete(r.workers, handle.id)
	for i, id := range r.order {
		if id == handle.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	//in-flight asks to this worker will never complete
	var orphans []pendingAsk
	for key, ask := range r.pending {
		if ask.workerId == handle.id {
			orphans = append(orphans, ask)
			delete(r.pending, key)
		}
	}
	close(slot.gone)
	r.mu.Unlock()

	if exitErr != nil {
		r.logger.Error(context.Background(), "worker exited abnormally, id:%v err:%v", handle.id, exitErr)
	}
	for _, ask := range orphans {
		fault := newMessage(KindError)
		fault.WorkerId = handle.id
		fault.Fault = &FaultBody{Code: ErrCodeWorkerUnhealthy, Message: "worker exited before responding"}
		ask.ch <- fault
	}
}

//transitionLocked applies a state change and publishes it, caller holds the
//lock and has verified legality.
func (r *WorkerRegistry) transitionLocked(slot *workerSlot, to status.WorkerState, note string) {
	from := slot.record.State
	slot.record.State = to
	slot.record.LastTransition = r.now()
	r.publishLocked(WorkerEvent{
		WorkerId: slot.record.WorkerId,
		From:     from,
		To:       to,
		Note:     note,
		Record:   slot.record,
		Time:     r.now(),
	})
}

func (r *WorkerRegistry) publishLocked(evt WorkerEvent) {
	select {
	case r.events <- evt:
	default:
	}
}

//HealthStream ongoing feed of worker state changes and advisories. Single
//consumer, closed on Stop.
func (r *WorkerRegistry) HealthStream() <-chan WorkerEvent {
	return r.events
}

//Send deliver a message to a worker without awaiting a response.
func (r *WorkerRegistry) Send(workerId string, msg *Message) BatchError {
	r.mu.Lock()
	slot, ok := r.workers[workerId]
	if !ok {
		r.mu.Unlock()
		return NewBatchError(ErrCodeWorkerNotFound, "worker:%v not found", workerId)
	}
	if !slot.record.State.Alive() {
		state := slot.record.State
		r.mu.Unlock()
		return NewBatchError(ErrCodeWorkerUnhealthy, "worker:%v is %v", workerId, state)
	}
	if age := r.now().Sub(slot.record.LastHeartbeat); age > r.cfg.ZombieWindow {
		r.mu.Unlock()
		return NewBatchError(ErrCodeWorkerUnhealthy, "worker:%v heartbeat stale for %v", workerId, age)
	}
	handle := slot.handle
	r.mu.Unlock()

	msg.WorkerId = workerId
	if !handle.push(msg) {
		return NewBatchError(ErrCodeTransferFailed, "worker:%v mailbox full", workerId)
	}
	return nil
}

//Ask deliver a message and await its correlated response, bounded by the
//communication timeout. Error responses from the worker are returned as
//messages, transport failures as errors.
func (r *WorkerRegistry) Ask(ctx context.Context, workerId string, msg *Message) (*Message, error) {
	ch := make(chan *Message, 1)
	r.mu.Lock()
	r.pending[msg.Id] = pendingAsk{ch: ch, workerId: workerId}
	r.mu.Unlock()

	if err := r.Send(workerId, msg); err != nil {
		r.dropPending(msg.Id)
		return nil, err
	}

	timer := time.NewTimer(r.cfg.CommunicationTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		r.dropPending(msg.Id)
		return nil, NewBatchError(ErrCodeTimeout, "worker:%v no response within %v", workerId, r.cfg.CommunicationTimeout)
	case <-ctx.Done():
		r.dropPending(msg.Id)
		return nil, NewBatchError(ErrCodeCancelled, "ask abandoned, worker:%v", workerId, ctx.Err())
	case <-r.stopCh:
		r.dropPending(msg.Id)
		return nil, NewBatchError(ErrCodeCancelled, "registry shutting down, worker:%v", workerId)
	}
}

func (r *WorkerRegistry) dropPending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

//Acquire reserve an available worker for one dispatch. Release returns it.
func (r *WorkerRegistry) Acquire() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return "", NewBatchError(ErrCodeWorkerNotFound, "no workers registered")
	}
	n := len(r.order)
	for i := 0; i < n; i++ {
		id := r.order[(r.rrIdx+i)%n]
		slot := r.workers[id]
		if slot == nil || slot.busy || !slot.record.State.Alive() {
			continue
		}
		if r.now().Sub(slot.record.LastHeartbeat) > r.cfg.ZombieWindow {
			continue
		}
		slot.busy = true
		r.rrIdx = (r.rrIdx + i + 1) % n
		return id, nil
	}
	return "", NewBatchError(ErrCodeWorkerUnhealthy, "no live idle worker")
}

//Release return a worker reserved by Acquire.
func (r *WorkerRegistry) Release(workerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.workers[workerId]; ok {
		slot.busy = false
	}
}

//Workers snapshot of all records in spawn order.
func (r *WorkerRegistry) Workers() []WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]WorkerRecord, 0, len(r.order))
	for _, id := range r.order {
		if slot, ok := r.workers[id]; ok {
			records = append(records, slot.record)
		}
	}
	return records
}

//Shutdown stop one worker gracefully: command, grace wait, then force kill.
func (r *WorkerRegistry) Shutdown(ctx context.Context, workerId string) error {
	r.mu.Lock()
	slot, ok := r.workers[workerId]
	if !ok {
		r.mu.Unlock()
		return NewBatchError(ErrCodeWorkerNotFound, "worker:%v not found", workerId)
	}
	if slot.record.State.Alive() && slot.record.State.CanTransition(status.WorkerStopping) {
		r.transitionLocked(slot, status.WorkerStopping, "")
	}
	handle := slot.handle
	gone := slot.gone
	r.mu.Unlock()

	if !handle.push(NewCommandMessage(cmdShutdown, nil)) {
		handle.kill()
	}
	grace := time.NewTimer(r.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-handle.done:
	case <-grace.C:
		r.logger.Warn(ctx, "worker:%v did not stop within %v, killing", workerId, r.cfg.ShutdownGrace)
		handle.kill()
		<-handle.done
	case <-ctx.Done():
		handle.kill()
		<-handle.done
	}
	<-gone
	return nil
}

//Stop shut down every worker and the registry loops. Pending asks resolve
//with a cancellation, the health stream closes after the last event.
func (r *WorkerRegistry) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Shutdown(ctx, id); err != nil {
			r.logger.Warn(ctx, "shutdown worker:%v err:%v", id, err)
		}
	}
	close(r.stopCh)
	r.wg.Wait()
	close(r.events)
}

func (r *WorkerRegistry) healthLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkHealth(ctx)
		}
	}
}

//checkHealth marks stale workers zombie and force-cleans them.
func (r *WorkerRegistry) checkHealth(ctx context.Context) {
	r.mu.Lock()
	var doomed []*WorkerHandle
	for _, id := range r.order {
		slot := r.workers[id]
		if slot == nil || !slot.record.State.Alive() {
			continue
		}
		stale := r.now().Sub(slot.record.LastHeartbeat) > r.cfg.ZombieWindow
		stalled := slot.record.State == status.WorkerRunning && r.now().Sub(slot.record.LastTransition) > r.cfg.ZombieWindow
		if stale || stalled {
			r.transitionLocked(slot, status.WorkerZombie, "heartbeat missed")
			doomed = append(doomed, slot.handle)
		}
	}
	r.mu.Unlock()

	for _, handle := range doomed {
		r.logger.Warn(ctx, "worker:%v marked zombie, cleaning up", handle.id)
		handle.kill()
	}
}

func (r *WorkerRegistry) leakLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.LeakCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkLeaks(ctx)
		}
	}
}

//checkLeaks flags workers above 80% of their memory ceiling. Advisory only,
//unless the ceiling itself is exceeded.
func (r *WorkerRegistry) checkLeaks(ctx context.Context) {
	r.mu.Lock()
	var doomed []*WorkerHandle
	for _, id := range r.order {
		slot := r.workers[id]
		if slot == nil || !slot.record.State.Alive() || slot.record.MemoryCeiling <= 0 {
			continue
		}
		used, ceiling := slot.record.MemoryUsed, slot.record.MemoryCeiling
		if used > ceiling {
			r.transitionLocked(slot, status.WorkerZombie, "memory ceiling exceeded")
			doomed = append(doomed, slot.handle)
			continue
		}
		if float64(used) > 0.8*float64(ceiling) {
			r.publishLocked(WorkerEvent{
				WorkerId: id,
				From:     slot.record.State,
				To:       slot.record.State,
				Note:     "memory leak suspected",
				Record:   slot.record,
				Time:     r.now(),
			})
		}
	}
	r.mu.Unlock()

	for _, handle := range doomed {
		r.logger.Error(ctx, "worker:%v exceeded its memory ceiling, cleaning up", handle.id)
		handle.kill()
	}
}
