package batchflow

import (
	"context"

	"github.com/finbase/batchflow/status"
)

//BatchListener batch lifecycle listener
type BatchListener interface {
	//BeforeBatch execute before a batch is dispatched to a worker
	BeforeBatch(execution *BatchExecution)
	//AfterBatch execute after a batch finished either normally or abnormally
	AfterBatch(execution *BatchExecution)
}

//PressureListener backpressure listener
type PressureListener interface {
	//OnPressureChange execute when the pressure level moves
	OnPressureChange(from, to status.PressureLevel, snapshot PressureSnapshot)
	//OnRelief execute when critical or emergency relief ran, dropped holds
	//the evicted tasks if any
	OnRelief(level status.PressureLevel, dropped []*BatchTask)
}

//PressureReliever host collaborator that can free memory on demand,
//typically a cache or persistence layer. Called when pressure escalates to
//critical or emergency, before the engine starts shedding queued work.
type PressureReliever interface {
	//RelievePressure frees whatever it safely can, returns the bytes freed
	RelievePressure(ctx context.Context, level status.PressureLevel) (int64, error)
}

//WorkerListener worker health listener
type WorkerListener interface {
	//OnWorkerEvent execute for every worker state transition or advisory
	OnWorkerEvent(event WorkerEvent)
}

//SizingListener batch size adjustment listener
type SizingListener interface {
	//OnSizeChange execute when an adjustment round changed the batch size
	OnSizeChange(result SizingResult)
}
