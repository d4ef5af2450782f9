package batchflow

import (
	"time"

	"github.com/finbase/batchflow/status"
)

//BatchExecution the record of one batch processing pass. ProcessNext returns
//it and the journal persists it when one is configured.
type BatchExecution struct {
	ExecutionId int64
	BatchId     string
	TaskIds     []string
	Items       int
	Attempt     int
	WorkerId    string
	Strategy    TransferStrategy
	BatchStatus status.BatchStatus
	CreateTime  time.Time
	StartTime   time.Time
	EndTime     time.Time
	FailError   error
	Version     int64
}

func (execution *BatchExecution) start() {
	execution.StartTime = time.Now()
	execution.BatchStatus = status.STARTED
}

func (execution *BatchExecution) finish(err error) {
	if err != nil {
		execution.BatchStatus = status.FAILED
		execution.FailError = err
		execution.EndTime = time.Now()
	} else {
		execution.BatchStatus = status.COMPLETED
		execution.EndTime = time.Now()
	}
}

//Duration wall time of the processing pass.
func (execution *BatchExecution) Duration() time.Duration {
	if execution.EndTime.IsZero() || execution.StartTime.IsZero() {
		return 0
	}
	return execution.EndTime.Sub(execution.StartTime)
}

//Throughput items per second of the finished pass, 0 when unknown.
func (execution *BatchExecution) Throughput() float64 {
	d := execution.Duration()
	if d <= 0 {
		return 0
	}
	return float64(execution.Items) / d.Seconds()
}
