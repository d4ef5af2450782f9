package batchflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/finbase/batchflow/spool"
	"github.com/finbase/batchflow/status"
)

//MessageKind discriminates the message union
type MessageKind string

const (
	KindCommand   MessageKind = "COMMAND"
	KindData      MessageKind = "DATA"
	KindResponse  MessageKind = "RESPONSE"
	KindError     MessageKind = "ERROR"
	KindHeartbeat MessageKind = "HEARTBEAT"
)

//builtin worker commands
const (
	cmdPing     = "ping"
	cmdShutdown = "shutdown"
)

//TransferStrategy how a data payload crosses the worker boundary
type TransferStrategy string

const (
	//StrategyInline payload serialized directly into the message
	StrategyInline TransferStrategy = "INLINE"
	//StrategySharedBuffer payload parked in a shared region, reference sent
	StrategySharedBuffer TransferStrategy = "SHARED_BUFFER"
	//StrategyStagedFile payload staged to a temporary file, reference sent
	StrategyStagedFile TransferStrategy = "STAGED_FILE"
)

//Message the only value that crosses a worker boundary. Exactly one body
//field matching Kind is set, the rest stay nil.
type Message struct {
	Id            string
	Kind          MessageKind
	CorrelationId string
	WorkerId      string
	Timestamp     time.Time

	Command   *CommandBody
	Data      *DataBody
	Response  *ResponseBody
	Fault     *FaultBody
	Heartbeat *HeartbeatBody
}

//CommandBody lifecycle or control instruction for a worker
type CommandBody struct {
	Name string
	Args *BatchContext
}

//PortionFrame one task's share of a batch as it crosses the boundary. Items
//travel by value in the encoded payload, so the receiving side observes their
//serialized form regardless of transfer strategy.
type PortionFrame struct {
	TaskId  string        `json:"taskId"`
	Items   []interface{} `json:"items"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

//DataBody one batch dispatch. Before transfer the frames are encoded into a
//payload held by exactly one of Inline, BufferRef or FileRef depending on the
//chosen strategy. After dereference on the receiving side Frames is populated
//again and the payload fields are cleared.
type DataBody struct {
	BatchId  string
	Frames   []PortionFrame
	Strategy TransferStrategy
	Bytes    int

	Inline    []byte
	BufferRef *BufferRef
	FileRef   *spool.FileRef

	//processor references ride alongside the payload, aligned with Frames.
	//They are immutable and safe to share across the boundary.
	procs []Processor
}

//BufferRef reference to a payload parked in the shared buffer store
type BufferRef struct {
	Key  string
	Size int
}

//PortionError failure of a single portion inside a batch
type PortionError struct {
	TaskId  string
	Code    string
	Message string
}

//ResponseBody worker's report for one processed batch
type ResponseBody struct {
	BatchId   string
	Processed int
	Errors    []PortionError
}

//FaultBody transport level failure report
type FaultBody struct {
	Code    string
	Message string
}

//HeartbeatBody periodic liveness report from a worker
type HeartbeatBody struct {
	State          status.WorkerState
	MemoryUsed     int64
	TasksProcessed int64
}

func newMessage(kind MessageKind) *Message {
	return &Message{
		Id:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

//NewCommandMessage build a command message for a worker.
func NewCommandMessage(name string, args *BatchContext) *Message {
	m := newMessage(KindCommand)
	m.Command = &CommandBody{Name: name, Args: args}
	return m
}

//NewDataMessage build a data message carrying one batch.
func NewDataMessage(batch *Batch) *Message {
	m := newMessage(KindData)
	frames := make([]PortionFrame, 0, len(batch.portions))
	procs := make([]Processor, 0, len(batch.portions))
	for _, p := range batch.portions {
		frames = append(frames, PortionFrame{TaskId: p.taskId, Items: p.items, Timeout: p.timeout})
		procs = append(procs, p.processor)
	}
	m.Data = &DataBody{BatchId: batch.Id, Frames: frames, procs: procs}
	return m
}

//NewResponseMessage build a response correlated to a request.
func NewResponseMessage(req *Message, processed int, errs []PortionError) *Message {
	m := newMessage(KindResponse)
	m.CorrelationId = req.Id
	m.WorkerId = req.WorkerId
	body := &ResponseBody{Processed: processed, Errors: errs}
	if req.Data != nil {
		body.BatchId = req.Data.BatchId
	}
	m.Response = body
	return m
}

//NewErrorMessage build an error response correlated to a request.
func NewErrorMessage(req *Message, code string, msg string) *Message {
	m := newMessage(KindError)
	m.CorrelationId = req.Id
	m.WorkerId = req.WorkerId
	m.Fault = &FaultBody{Code: code, Message: msg}
	return m
}

//NewHeartbeatMessage build a heartbeat report for a worker.
func NewHeartbeatMessage(workerId string, state status.WorkerState, memUsed int64, tasks int64) *Message {
	m := newMessage(KindHeartbeat)
	m.WorkerId = workerId
	m.Heartbeat = &HeartbeatBody{State: state, MemoryUsed: memUsed, TasksProcessed: tasks}
	return m
}
