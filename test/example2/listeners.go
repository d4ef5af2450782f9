package example2

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/finbase/batchflow"
	"github.com/finbase/batchflow/status"
)

//batchStats counts finished batches and items across the run
type batchStats struct {
	batches int64
	items   int64
	failed  int64
}

func (s *batchStats) BeforeBatch(execution *batchflow.BatchExecution) {
}

func (s *batchStats) AfterBatch(execution *batchflow.BatchExecution) {
	atomic.AddInt64(&s.batches, 1)
	if execution.BatchStatus == status.FAILED {
		atomic.AddInt64(&s.failed, 1)
		return
	}
	atomic.AddInt64(&s.items, int64(execution.Items))
}

func (s *batchStats) report() {
	fmt.Printf("batches=%v failed=%v items=%v\n",
		atomic.LoadInt64(&s.batches), atomic.LoadInt64(&s.failed), atomic.LoadInt64(&s.items))
}

//pressureWatch logs level changes and relief actions
type pressureWatch struct {
}

func (w *pressureWatch) OnPressureChange(from, to status.PressureLevel, snapshot batchflow.PressureSnapshot) {
	fmt.Printf("pressure %v -> %v score=%.2f queue=%.2f\n", from, to, snapshot.Score, snapshot.QueueOccupancy)
}

func (w *pressureWatch) OnRelief(level status.PressureLevel, dropped []*batchflow.BatchTask) {
	fmt.Printf("relief at %v, dropped %v tasks\n", level, len(dropped))
}

//memoryReliever returns unused heap to the OS when the engine escalates,
//standing in for the host's cache eviction hook
type memoryReliever struct {
}

func (r *memoryReliever) RelievePressure(ctx context.Context, level status.PressureLevel) (int64, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	freed := int64(before.HeapInuse) - int64(after.HeapInuse)
	if freed < 0 {
		freed = 0
	}
	return freed, nil
}

//workerWatch logs worker transitions and advisories
type workerWatch struct {
}

func (w *workerWatch) OnWorkerEvent(event batchflow.WorkerEvent) {
	if event.From == event.To {
		fmt.Printf("worker %v advisory: %v\n", event.WorkerId, event.Note)
		return
	}
	fmt.Printf("worker %v %v -> %v\n", event.WorkerId, event.From, event.To)
}

//sizeWatch logs adaptive size adjustments
type sizeWatch struct {
}

func (w *sizeWatch) OnSizeChange(result batchflow.SizingResult) {
	fmt.Printf("batch size %v -> %v (%v, score=%.2f)\n", result.Old, result.New, result.Action, result.Score)
}
