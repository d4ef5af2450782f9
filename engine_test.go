package batchflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/finbase/batchflow/status"
)

//engineTestConfig shrinks every interval so a full lifecycle fits in a test run
func engineTestConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Transfer.SpoolDir = t.TempDir()
	cfg.Workers.Count = 2
	cfg.Workers.HeartbeatInterval = 20 * time.Millisecond
	cfg.Workers.HealthCheckInterval = 50 * time.Millisecond
	cfg.Workers.ZombieWindow = 5 * time.Second
	cfg.Workers.LeakCheckInterval = time.Second
	cfg.Workers.ShutdownGrace = time.Second
	cfg.Workers.CommunicationTimeout = 2 * time.Second
	cfg.Processing.CycleDelay = time.Millisecond
	cfg.Batch.AdjustInterval = 50 * time.Millisecond
	cfg.Pressure.SampleInterval = 10 * time.Millisecond
	cfg.Pressure.DeescalateInterval = 10 * time.Millisecond
	return cfg
}

//countingListeners implements every listener interface so one registration
//covers the whole fan-out
type countingListeners struct {
	before       atomic.Int64
	after        atomic.Int64
	workerEvents atomic.Int64
	sizeChanges  atomic.Int64
	shifts       atomic.Int64
}

func (c *countingListeners) BeforeBatch(execution *BatchExecution) { c.before.Add(1) }

func (c *countingListeners) AfterBatch(execution *BatchExecution) { c.after.Add(1) }

func (c *countingListeners) OnWorkerEvent(event WorkerEvent) { c.workerEvents.Add(1) }

func (c *countingListeners) OnSizeChange(result SizingResult) { c.sizeChanges.Add(1) }

func (c *countingListeners) OnPressureChange(from, to status.PressureLevel, snapshot PressureSnapshot) {
	c.shifts.Add(1)
}

func (c *countingListeners) OnRelief(level status.PressureLevel, dropped []*BatchTask) {}

//fakeReliever host cleanup collaborator capturing its invocations
type fakeReliever struct {
	called chan status.PressureLevel
}

func (f *fakeReliever) RelievePressure(ctx context.Context, level status.PressureLevel) (int64, error) {
	select {
	case f.called <- level:
	default:
	}
	return 4 << 20, nil
}

func TestEngineBuilder_BuildRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batch.MinSize = 0
	_, err := NewEngine(cfg).Build()
	assert.NotEqual(t, nil, err)

	cfg = DefaultConfig()
	cfg.Transfer.SharedBufferMax = cfg.Transfer.InlineMax
	_, err = NewEngine(cfg).Build()
	assert.NotEqual(t, nil, err)
}

func TestEngineBuilder_ListenerRejectsUnknownType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for an unsupported listener type")
		}
	}()
	NewEngine(nil).Listener(struct{}{})
}

func TestEngine_StartRequiresWorkerEntry(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(engineTestConfig(t)).Logger(quietLogger()).Build()
	assert.Equal(t, nil, err)

	err = engine.Start(ctx)
	assert.Equal(t, ErrCodeGeneral, CodeOf(err))
	engine.Shutdown(ctx)
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := engineTestConfig(t)

	var booted atomic.Int64
	entry := func(ctx context.Context, init interface{}) error {
		if init == "boot-payload" {
			booted.Add(1)
		}
		return nil
	}
	watched := &countingListeners{}
	engine, err := NewEngine(cfg).
		Logger(quietLogger()).
		Sampler(&stubSampler{}).
		WorkerEntry(entry, "boot-payload").
		Listener(watched).
		Build()
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, engine.Start(ctx))
	defer engine.Shutdown(ctx)

	err = engine.Start(ctx)
	assert.Equal(t, ErrCodeGeneral, CodeOf(err))

	var processed atomic.Int64
	processor := func(ctx context.Context, items []interface{}) error {
		processed.Add(int64(len(items)))
		return nil
	}
	var taskIds []string
	for i := 0; i < 3; i++ {
		taskId, err := engine.Submit(ctx, intItems(40), processor)
		assert.Equal(t, nil, err)
		taskIds = append(taskIds, taskId)
	}
	for _, taskId := range taskIds {
		result, err := engine.Await(ctx, taskId)
		assert.Equal(t, nil, err)
		assert.Equal(t, status.COMPLETED, result.TaskStatus)
		assert.Equal(t, int64(40), result.ItemsProcessed)
		assert.Equal(t, int64(0), result.ItemsDropped)
	}
	assert.Equal(t, int64(120), processed.Load())

	assert.Equal(t, cfg.Workers.Count, len(engine.Workers()))
	transfers := engine.RecentTransfers()
	assert.Equal(t, true, len(transfers) >= 2)
	for _, record := range transfers {
		assert.Equal(t, true, record.Ok)
	}
	assert.Equal(t, true, engine.BatchSize() >= cfg.Batch.MinSize)
	assert.Equal(t, status.PressureNone, engine.PressureLevel())

	engine.Shutdown(ctx)
	assert.Equal(t, status.EngineStopped, engine.State())
	assert.Equal(t, 0, len(engine.Workers()))
	assert.Equal(t, int64(cfg.Workers.Count), booted.Load())

	_, err = engine.Submit(ctx, intItems(1), processor)
	assert.Equal(t, ErrCodeRejected, CodeOf(err))

	// the dispatch fan-out reached the batch listener on both sides and every
	// worker produced at least a wake-up and a stop transition
	assert.Equal(t, true, watched.before.Load() >= 2)
	assert.Equal(t, watched.before.Load(), watched.after.Load())
	assert.Equal(t, true, watched.workerEvents.Load() >= int64(2*cfg.Workers.Count))

	engine.Shutdown(ctx)
	assert.Equal(t, status.EngineStopped, engine.State())
}

func TestEngine_ManualDrive(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(engineTestConfig(t)).Logger(quietLogger()).Sampler(&stubSampler{}).Build()
	assert.Equal(t, nil, err)

	engine.Pause()
	assert.Equal(t, status.EnginePaused, engine.State())
	engine.Resume()
	assert.Equal(t, status.EngineIdle, engine.State())

	var processed atomic.Int64
	taskId, err := engine.Submit(ctx, intItems(5), func(ctx context.Context, items []interface{}) error {
		processed.Add(int64(len(items)))
		return nil
	})
	assert.Equal(t, nil, err)

	_, err = engine.ProcessNext(ctx)
	assert.Equal(t, ErrCodeWorkerNotFound, CodeOf(err))

	workerId, err := engine.registry.Spawn(ctx, func(ctx context.Context, init interface{}) error { return nil }, nil)
	assert.Equal(t, nil, err)
	awaitState(t, engine.registry.HealthStream(), status.WorkerIdle)

	execution, err := engine.ProcessNext(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, execution != nil)
	assert.Equal(t, status.COMPLETED, execution.BatchStatus)
	assert.Equal(t, workerId, execution.WorkerId)
	assert.Equal(t, int64(5), processed.Load())

	result, err := engine.Await(ctx, taskId)
	assert.Equal(t, nil, err)
	assert.Equal(t, status.COMPLETED, result.TaskStatus)

	next, err := engine.ProcessNext(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, (*BatchExecution)(nil), next)

	engine.registry.Stop(ctx)
	engine.pool.Release()
}

func TestEngine_RelieverRunsOnEscalation(t *testing.T) {
	ctx := context.Background()
	cfg := engineTestConfig(t)
	cfg.Queue.Capacity = 4
	sampler := &stubSampler{mem: 1.0, cpu: 1.0}
	reliever := &fakeReliever{called: make(chan status.PressureLevel, 1)}
	engine, err := NewEngine(cfg).Logger(quietLogger()).Sampler(sampler).Listener(reliever).Build()
	assert.Equal(t, nil, err)

	proc := func(ctx context.Context, items []interface{}) error { return nil }
	for i := 0; i < 4; i++ {
		_, err = engine.Submit(ctx, intItems(1), proc)
		assert.Equal(t, nil, err)
	}

	//full queue plus saturated memory and cpu scores straight into emergency
	snap := engine.monitor.Sample(ctx)
	assert.Equal(t, status.PressureEmergency, snap.Level)
	select {
	case level := <-reliever.called:
		assert.Equal(t, status.PressureEmergency, level)
	case <-time.After(time.Second):
		t.Fatal("reliever never invoked")
	}

	_, err = engine.Submit(ctx, intItems(1), proc)
	assert.Equal(t, ErrCodeRejected, CodeOf(err))

	engine.registry.Stop(ctx)
	engine.pool.Release()
}
