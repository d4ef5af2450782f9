package batchflow

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/finbase/batchflow/internal/logs"
	"github.com/finbase/batchflow/metrics"
	"github.com/finbase/batchflow/status"
)

//janitorInterval how often staged payloads and resolved tasks are swept
const janitorInterval = time.Minute

//trackRetention how long resolved task results stay queryable through Await
const trackRetention = 10 * time.Minute

type engineBuilder struct {
	cfg            *Config
	logger         logs.Logger
	journal        ExecutionJournal
	stats          *metrics.Set
	sampler        ResourceSampler
	entry          WorkerEntry
	init           interface{}
	source         RecordSource
	sourceProc     Processor
	sourcePriority int

	batchListeners    []BatchListener
	pressureListeners []PressureListener
	workerListeners   []WorkerListener
	sizingListeners   []SizingListener
	relievers         []PressureReliever
}

//NewEngine new instance of engine builder, nil config uses the defaults
func NewEngine(cfg *Config) *engineBuilder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &engineBuilder{cfg: cfg}
}

func (builder *engineBuilder) Logger(logger logs.Logger) *engineBuilder {
	builder.logger = logger
	return builder
}

func (builder *engineBuilder) Journal(journal ExecutionJournal) *engineBuilder {
	builder.journal = journal
	return builder
}

func (builder *engineBuilder) Metrics(stats *metrics.Set) *engineBuilder {
	builder.stats = stats
	return builder
}

func (builder *engineBuilder) Sampler(sampler ResourceSampler) *engineBuilder {
	builder.sampler = sampler
	return builder
}

//WorkerEntry the function every spawned worker runs for initialization,
//init is handed to it verbatim
func (builder *engineBuilder) WorkerEntry(entry WorkerEntry, init interface{}) *engineBuilder {
	builder.entry = entry
	builder.init = init
	return builder
}

//Source attaches a pull feed drained whenever the queue runs low
func (builder *engineBuilder) Source(source RecordSource, processor Processor, priority int) *engineBuilder {
	builder.source = source
	builder.sourceProc = processor
	builder.sourcePriority = priority
	return builder
}

func (builder *engineBuilder) Listener(listener ...interface{}) *engineBuilder {
	for _, l := range listener {
		matched := false
		if bl, ok := l.(BatchListener); ok {
			builder.batchListeners = append(builder.batchListeners, bl)
			matched = true
		}
		if pl, ok := l.(PressureListener); ok {
			builder.pressureListeners = append(builder.pressureListeners, pl)
			matched = true
		}
		if wl, ok := l.(WorkerListener); ok {
			builder.workerListeners = append(builder.workerListeners, wl)
			matched = true
		}
		if sl, ok := l.(SizingListener); ok {
			builder.sizingListeners = append(builder.sizingListeners, sl)
			matched = true
		}
		if pr, ok := l.(PressureReliever); ok {
			builder.relievers = append(builder.relievers, pr)
			matched = true
		}
		if !matched {
			panic(fmt.Sprintf("not supported listener:%+v", l))
		}
	}
	return builder
}

//Build assembles the engine. The worker entry may stay unset when every
//submission only ever runs through ProcessNext in tests, but Start requires
//it.
func (builder *engineBuilder) Build() (*Engine, error) {
	cfg := builder.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := builder.logger
	if logger == nil {
		logger = logs.NewLogger(os.Stdout, logs.Info)
	}

	queue := NewBatchQueue(cfg.Queue.Capacity)
	registry := newWorkerRegistry(&cfg.Workers, logger)
	router, err := newCommunicationRouter(&cfg.Transfer, registry, logger, builder.stats)
	if err != nil {
		return nil, err
	}

	//the monitor's latency signal comes from the coordinator built below
	var coord *BatchCoordinator
	monitor := newBackpressureMonitor(&cfg.Pressure, queue, builder.sampler, func() time.Duration {
		if coord == nil {
			return 0
		}
		return coord.recentLatency()
	}, logger)
	sizer := newAdaptiveSizer(&cfg.Batch, monitor.CurrentScore, logger)
	pool := newTaskPool(cfg.Processing.PoolSize)
	coord = newBatchCoordinator(cfg, queue, sizer, monitor, registry, router, pool, logger, builder.journal, builder.stats)

	for _, l := range builder.batchListeners {
		coord.registerBatchListener(l)
	}
	for _, l := range builder.sizingListeners {
		coord.registerSizingListener(l)
	}
	if builder.source != nil {
		coord.attachSource(builder.source, builder.sourceProc, builder.sourcePriority)
	}

	engine := &Engine{
		cfg:               cfg,
		logger:            logger,
		stats:             builder.stats,
		journal:           builder.journal,
		queue:             queue,
		sizer:             sizer,
		monitor:           monitor,
		registry:          registry,
		router:            router,
		pool:              pool,
		coord:             coord,
		entry:             builder.entry,
		init:              builder.init,
		pressureListeners: builder.pressureListeners,
		workerListeners:   builder.workerListeners,
		relievers:         builder.relievers,
	}

	monitor.setRelief(func(level status.PressureLevel, dropped []*BatchTask) {
		coord.handleDrops(dropped)
		for _, l := range engine.pressureListeners {
			l.OnRelief(level, dropped)
		}
	})
	monitor.setOnChange(func(from, to status.PressureLevel, snap PressureSnapshot) {
		engine.stats.SetPressure(snap.Score, to.Rank())
		for _, l := range engine.pressureListeners {
			l.OnPressureChange(from, to, snap)
		}
		if to.AtLeast(status.PressureCritical) && to.Rank() > from.Rank() && len(engine.relievers) > 0 {
			go engine.relieve(to)
		}
	})
	return engine, nil
}

//Engine the assembled batch processing engine. Build one through NewEngine,
//start it once, submit tasks from any goroutine, shut it down once.
type Engine struct {
	cfg      *Config
	logger   logs.Logger
	stats    *metrics.Set
	journal  ExecutionJournal
	queue    *BatchQueue
	sizer    *AdaptiveSizer
	monitor  *BackpressureMonitor
	registry *WorkerRegistry
	router   *CommunicationRouter
	pool     *taskPool
	coord    *BatchCoordinator

	entry WorkerEntry
	init  interface{}

	pressureListeners []PressureListener
	workerListeners   []WorkerListener
	relievers         []PressureReliever

	mu             sync.Mutex
	started        bool
	stopped        bool
	dispatchCancel context.CancelFunc
	workerCancel   context.CancelFunc
	wg             sync.WaitGroup
}

//Start spawns the workers and launches every loop. Returns an error when no
//worker entry was configured or a worker fails to spawn.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return NewBatchError(ErrCodeGeneral, "engine already started")
	}
	if e.entry == nil {
		e.mu.Unlock()
		return NewBatchError(ErrCodeGeneral, "no worker entry configured")
	}
	e.started = true
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	workerCtx, workerCancel := context.WithCancel(context.Background())
	e.dispatchCancel = dispatchCancel
	e.workerCancel = workerCancel
	e.mu.Unlock()

	if e.journal != nil {
		e.sizer.attachJournal(ctx, e.journal)
	}
	e.registry.Start(workerCtx)
	for i := 0; i < e.cfg.Workers.Count; i++ {
		if _, err := e.registry.Spawn(workerCtx, e.entry, e.init); err != nil {
			e.registry.Stop(ctx)
			workerCancel()
			dispatchCancel()
			return err
		}
	}
	e.monitor.Start(dispatchCtx)
	e.coord.Start(dispatchCtx)
	e.wg.Add(2)
	go e.healthPump()
	go e.janitor(workerCtx)
	e.stats.SetBatchSize(e.sizer.Size())
	e.logger.Info(ctx, "engine started, workers:%v batch size:%v queue capacity:%v",
		e.cfg.Workers.Count, e.sizer.Size(), e.cfg.Queue.Capacity)
	return nil
}

//healthPump fans worker events out to metrics and listeners, ends when the
//registry closes its stream
func (e *Engine) healthPump() {
	defer e.wg.Done()
	for evt := range e.registry.HealthStream() {
		e.stats.WorkerTransition(string(evt.To))
		alive := 0
		for _, rec := range e.registry.Workers() {
			if rec.State.Alive() {
				alive++
			}
		}
		e.stats.SetWorkersAlive(alive)
		for _, l := range e.workerListeners {
			l.OnWorkerEvent(evt)
		}
	}
}

//relieve asks the host collaborators to free memory. Failures are logged
//and never reach the sampling loop.
func (e *Engine) relieve(level status.PressureLevel) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Workers.CommunicationTimeout)
	defer cancel()
	for _, r := range e.relievers {
		freed, err := r.RelievePressure(ctx, level)
		if err != nil {
			e.logger.Warn(ctx, "pressure relief at %v failed: %v", level, err)
			continue
		}
		e.stats.PressureRelieved(freed)
		if freed > 0 {
			e.logger.Info(ctx, "pressure relief at %v freed %v bytes", level, freed)
		}
	}
}

//janitor periodic sweep of orphaned staging and old resolved tasks
func (e *Engine) janitor(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.router.Sweep(ctx, e.cfg.Transfer.SpoolMaxAge)
			if n := e.coord.pruneTracks(trackRetention); n > 0 {
				e.logger.Debug(ctx, "pruned %v resolved tasks", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

//Submit queues items for batched processing, see BatchCoordinator.Submit
func (e *Engine) Submit(ctx context.Context, items []interface{}, processor Processor, opts ...TaskOption) (string, error) {
	return e.coord.Submit(ctx, items, processor, opts...)
}

//Await blocks until the task reaches its terminal result
func (e *Engine) Await(ctx context.Context, taskId string) (*TaskResult, error) {
	return e.coord.Await(ctx, taskId)
}

//ProcessNext runs one dispatch cycle synchronously, for hosts that drive
//the engine manually instead of calling Start
func (e *Engine) ProcessNext(ctx context.Context) (*BatchExecution, error) {
	return e.coord.ProcessNext(ctx)
}

//Pause holds dispatching, Resume continues it
func (e *Engine) Pause() {
	e.coord.Pause()
}

//Resume continues dispatching after Pause
func (e *Engine) Resume() {
	e.coord.Resume()
}

//State the engine's current lifecycle state
func (e *Engine) State() status.EngineState {
	return e.coord.State()
}

//PressureLevel the current backpressure level
func (e *Engine) PressureLevel() status.PressureLevel {
	return e.monitor.CurrentLevel()
}

//BatchSize the current adaptive batch size
func (e *Engine) BatchSize() int {
	return e.sizer.Size()
}

//Workers snapshot of all worker records
func (e *Engine) Workers() []WorkerRecord {
	return e.registry.Workers()
}

//RecentTransfers snapshot of recent worker dispatches
func (e *Engine) RecentTransfers() []TransferRecord {
	return e.router.RecentTransfers()
}

//Shutdown stops dispatching, cancels queued work, shuts workers down
//gracefully and releases every resource. Safe to call twice.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if e.stopped || !e.started {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.logger.Info(ctx, "engine shutting down")
	//in-flight dispatches unwind first so workers are idle for the graceful
	//stop below
	e.dispatchCancel()
	e.coord.Stop(ctx)
	e.registry.Stop(ctx)
	e.monitor.Stop()
	e.workerCancel()
	e.wg.Wait()
	e.pool.Release()
	e.logger.Info(ctx, "engine stopped")
}
