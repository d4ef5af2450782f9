package batchflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/finbase/batchflow/status"
)

func workerConfig() *WorkerConfig {
	return &WorkerConfig{
		Count:                2,
		Mailbox:              8,
		MemoryCeiling:        1000,
		HeartbeatInterval:    time.Hour,
		HealthCheckInterval:  time.Hour,
		ZombieWindow:         90 * time.Second,
		LeakCheckInterval:    time.Hour,
		ShutdownGrace:        time.Second,
		CommunicationTimeout: time.Second,
	}
}

//virtualClock installs a settable clock on the registry
func virtualClock(r *WorkerRegistry) *atomic.Int64 {
	base := time.Now()
	offset := &atomic.Int64{}
	r.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }
	return offset
}

func awaitEvent(t *testing.T, stream <-chan WorkerEvent, match func(WorkerEvent) bool) WorkerEvent {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-stream:
			if !ok {
				t.Fatal("health stream closed early")
			}
			if match(evt) {
				return evt
			}
		case <-timeout:
			t.Fatal("expected worker event never arrived")
		}
	}
}

func awaitState(t *testing.T, stream <-chan WorkerEvent, to status.WorkerState) WorkerEvent {
	return awaitEvent(t, stream, func(evt WorkerEvent) bool {
		return evt.To == to && evt.From != evt.To
	})
}

func TestWorkerRegistry_SpawnAndAsk(t *testing.T) {
	ctx := context.Background()
	r := newWorkerRegistry(workerConfig(), quietLogger())
	r.setMaterializer(passFrames)

	id, err := r.Spawn(ctx, nil, nil)
	assert.Equal(t, nil, err)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	resp, aerr := r.Ask(ctx, id, NewCommandMessage(cmdPing, nil))
	assert.Equal(t, nil, aerr)
	assert.Equal(t, KindResponse, resp.Kind)

	records := r.Workers()
	assert.Equal(t, 1, len(records))
	assert.Equal(t, id, records[0].WorkerId)
	assert.Equal(t, status.WorkerIdle, records[0].State)

	r.Stop(ctx)
}

func TestWorkerRegistry_SendUnknownWorker(t *testing.T) {
	r := newWorkerRegistry(workerConfig(), quietLogger())
	err := r.Send("ghost", NewCommandMessage(cmdPing, nil))
	assert.NotEqual(t, nil, err)
	assert.Equal(t, ErrCodeWorkerNotFound, err.Code())
}

func TestWorkerRegistry_StaleHeartbeatRejectsSend(t *testing.T) {
	ctx := context.Background()
	cfg := workerConfig()
	r := newWorkerRegistry(cfg, quietLogger())
	r.setMaterializer(passFrames)
	clock := virtualClock(r)

	id, _ := r.Spawn(ctx, nil, nil)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	//exactly at the window the worker is still trusted
	clock.Store(int64(cfg.ZombieWindow))
	assert.Equal(t, nil, r.Send(id, NewCommandMessage(cmdPing, nil)))

	clock.Store(int64(cfg.ZombieWindow + time.Second))
	err := r.Send(id, NewCommandMessage(cmdPing, nil))
	assert.NotEqual(t, nil, err)
	assert.Equal(t, ErrCodeWorkerUnhealthy, err.Code())

	r.Stop(ctx)
}

func TestWorkerRegistry_ZombieOnlyPastWindow(t *testing.T) {
	ctx := context.Background()
	cfg := workerConfig()
	r := newWorkerRegistry(cfg, quietLogger())
	r.setMaterializer(passFrames)
	clock := virtualClock(r)

	id, _ := r.Spawn(ctx, nil, nil)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	//silence up to the window is tolerated
	clock.Store(int64(cfg.ZombieWindow))
	r.checkHealth(ctx)
	assert.Equal(t, status.WorkerIdle, r.Workers()[0].State)

	//one tick past the window the worker is a zombie and gets cleaned up
	clock.Store(int64(cfg.ZombieWindow + time.Nanosecond))
	r.checkHealth(ctx)
	evt := awaitState(t, r.HealthStream(), status.WorkerZombie)
	assert.Equal(t, id, evt.WorkerId)
	assert.Equal(t, "heartbeat missed", evt.Note)
	awaitState(t, r.HealthStream(), status.WorkerStopped)
	assert.Equal(t, 0, len(r.Workers()))

	r.Stop(ctx)
}

func TestWorkerRegistry_StalledRunningBecomesZombie(t *testing.T) {
	ctx := context.Background()
	cfg := workerConfig()
	r := newWorkerRegistry(cfg, quietLogger())
	r.setMaterializer(passFrames)
	clock := virtualClock(r)

	id, _ := r.Spawn(ctx, nil, nil)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	r.onHeartbeat(NewHeartbeatMessage(id, status.WorkerRunning, 0, 0))
	awaitState(t, r.HealthStream(), status.WorkerRunning)

	//heartbeats keep arriving but the worker never leaves running
	clock.Store(int64(cfg.ZombieWindow + time.Second))
	r.onHeartbeat(NewHeartbeatMessage(id, status.WorkerRunning, 0, 0))
	r.checkHealth(ctx)

	evt := awaitState(t, r.HealthStream(), status.WorkerZombie)
	assert.Equal(t, status.WorkerRunning, evt.From)
	awaitState(t, r.HealthStream(), status.WorkerStopped)

	r.Stop(ctx)
}

func TestWorkerRegistry_CrashFaultsPendingAsk(t *testing.T) {
	ctx := context.Background()
	r := newWorkerRegistry(workerConfig(), quietLogger())
	//a corrupt payload escapes the portion guard and kills the worker
	r.setMaterializer(func(data *DataBody) ([]PortionFrame, error) { panic("corrupt payload") })

	id, _ := r.Spawn(ctx, nil, nil)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	proc := func(ctx context.Context, items []interface{}) error { return nil }
	resp, err := r.Ask(ctx, id, dataMessage(proc, PortionFrame{TaskId: "t", Items: []interface{}{1}}))
	assert.Equal(t, nil, err)
	assert.Equal(t, KindError, resp.Kind)
	assert.Equal(t, ErrCodeWorkerUnhealthy, resp.Fault.Code)

	awaitState(t, r.HealthStream(), status.WorkerCrashed)
	awaitState(t, r.HealthStream(), status.WorkerStopped)
	assert.Equal(t, 0, len(r.Workers()))

	r.Stop(ctx)
}

func TestWorkerRegistry_AskTimesOut(t *testing.T) {
	ctx := context.Background()
	cfg := workerConfig()
	cfg.CommunicationTimeout = 50 * time.Millisecond
	r := newWorkerRegistry(cfg, quietLogger())
	r.setMaterializer(passFrames)

	id, _ := r.Spawn(ctx, nil, nil)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	release := make(chan struct{})
	slow := func(ctx context.Context, items []interface{}) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	}
	_, err := r.Ask(ctx, id, dataMessage(slow, PortionFrame{TaskId: "t", Items: []interface{}{1}}))
	assert.NotEqual(t, nil, err)
	assert.Equal(t, ErrCodeTimeout, CodeOf(err))

	close(release)
	r.Stop(ctx)
}

func TestWorkerRegistry_AcquireReleaseRoundRobin(t *testing.T) {
	ctx := context.Background()
	r := newWorkerRegistry(workerConfig(), quietLogger())
	r.setMaterializer(passFrames)

	first, _ := r.Spawn(ctx, nil, nil)
	second, _ := r.Spawn(ctx, nil, nil)

	got, err := r.Acquire()
	assert.Equal(t, nil, err)
	assert.Equal(t, first, got)
	got, err = r.Acquire()
	assert.Equal(t, nil, err)
	assert.Equal(t, second, got)

	//both reserved, nothing left to hand out
	_, err = r.Acquire()
	assert.NotEqual(t, nil, err)
	assert.Equal(t, ErrCodeWorkerUnhealthy, CodeOf(err))

	r.Release(first)
	got, err = r.Acquire()
	assert.Equal(t, nil, err)
	assert.Equal(t, first, got)

	r.Stop(ctx)
}

func TestWorkerRegistry_LeakAdvisoryThenCeilingKill(t *testing.T) {
	ctx := context.Background()
	r := newWorkerRegistry(workerConfig(), quietLogger())
	r.setMaterializer(passFrames)

	id, _ := r.Spawn(ctx, nil, nil)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	//above 80% of the ceiling: advisory only, the worker lives on
	r.onHeartbeat(NewHeartbeatMessage(id, status.WorkerIdle, 850, 0))
	r.checkLeaks(ctx)
	evt := awaitEvent(t, r.HealthStream(), func(evt WorkerEvent) bool {
		return evt.From == evt.To && evt.Note == "memory leak suspected"
	})
	assert.Equal(t, id, evt.WorkerId)
	assert.Equal(t, int64(850), evt.Record.MemoryUsed)
	assert.Equal(t, status.WorkerIdle, r.Workers()[0].State)

	//past the ceiling the worker is killed
	r.onHeartbeat(NewHeartbeatMessage(id, status.WorkerIdle, 1200, 0))
	r.checkLeaks(ctx)
	evt = awaitState(t, r.HealthStream(), status.WorkerZombie)
	assert.Equal(t, "memory ceiling exceeded", evt.Note)
	awaitState(t, r.HealthStream(), status.WorkerStopped)
	assert.Equal(t, 0, len(r.Workers()))

	r.Stop(ctx)
}

func TestWorkerRegistry_GracefulShutdown(t *testing.T) {
	ctx := context.Background()
	r := newWorkerRegistry(workerConfig(), quietLogger())
	r.setMaterializer(passFrames)

	id, _ := r.Spawn(ctx, nil, nil)
	awaitState(t, r.HealthStream(), status.WorkerIdle)

	assert.Equal(t, nil, r.Shutdown(ctx, id))
	assert.Equal(t, 0, len(r.Workers()))

	//stopping a stopped worker reports not found
	err := r.Shutdown(ctx, id)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, ErrCodeWorkerNotFound, CodeOf(err))

	r.Stop(ctx)
}

func TestWorkerRegistry_StopClosesStream(t *testing.T) {
	ctx := context.Background()
	r := newWorkerRegistry(workerConfig(), quietLogger())
	r.setMaterializer(passFrames)
	r.Spawn(ctx, nil, nil)
	r.Spawn(ctx, nil, nil)

	r.Stop(ctx)
	//stream drains and closes after the last lifecycle event
	for evt := range r.HealthStream() {
		_ = evt
	}
	_, err := r.Spawn(ctx, nil, nil)
	assert.NotEqual(t, nil, err)
}
