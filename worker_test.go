package batchflow

import (
	"context"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

//passFrames materializer for payloads that never left the message
func passFrames(data *DataBody) ([]PortionFrame, error) {
	return data.Frames, nil
}

func dataMessage(proc Processor, frames ...PortionFrame) *Message {
	procs := make([]Processor, len(frames))
	for i := range procs {
		procs[i] = proc
	}
	m := newMessage(KindData)
	m.Data = &DataBody{BatchId: "b1", Frames: frames, procs: procs}
	return m
}

//nextMessage reads the outbox until a message of the wanted kind arrives,
//skipping heartbeats
func nextMessage(t *testing.T, w *WorkerHandle, kind MessageKind) *Message {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-w.outbox:
			if !ok {
				t.Fatalf("outbox closed while waiting for %v", kind)
			}
			if msg.Kind == kind {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %v message within 2s", kind)
		}
	}
}

func TestWorkerHandle_ProcessesData(t *testing.T) {
	w := newWorkerHandle("w1", nil, nil, passFrames, time.Minute, 8)
	w.start(context.Background())

	seen := make(chan []interface{}, 1)
	proc := func(ctx context.Context, items []interface{}) error {
		seen <- items
		return nil
	}
	msg := dataMessage(proc, PortionFrame{TaskId: "t1", Items: []interface{}{"a", "b", "c"}})
	assert.Equal(t, true, w.push(msg))

	resp := nextMessage(t, w, KindResponse)
	assert.Equal(t, msg.Id, resp.CorrelationId)
	assert.Equal(t, "b1", resp.Response.BatchId)
	assert.Equal(t, 3, resp.Response.Processed)
	assert.Equal(t, 0, len(resp.Response.Errors))
	assert.Equal(t, []interface{}{"a", "b", "c"}, <-seen)

	w.kill()
	<-w.done
}

func TestWorkerHandle_PanicBecomesPortionError(t *testing.T) {
	w := newWorkerHandle("w1", nil, nil, passFrames, time.Minute, 8)
	w.start(context.Background())

	var calls int
	proc := func(ctx context.Context, items []interface{}) error {
		calls++
		if items[0] == "bad" {
			panic("corrupt item")
		}
		return nil
	}
	msg := dataMessage(proc,
		PortionFrame{TaskId: "ok", Items: []interface{}{"fine", "fine"}},
		PortionFrame{TaskId: "boom", Items: []interface{}{"bad"}},
	)
	w.push(msg)

	resp := nextMessage(t, w, KindResponse)
	//the panic is contained to its portion, the worker and the other
	//portion survive
	assert.Equal(t, 2, resp.Response.Processed)
	assert.Equal(t, 1, len(resp.Response.Errors))
	assert.Equal(t, "boom", resp.Response.Errors[0].TaskId)
	assert.Equal(t, ErrCodeProcessingFailed, resp.Response.Errors[0].Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, nil, w.ExitErr())

	w.kill()
	<-w.done
}

func TestWorkerHandle_PortionTimeout(t *testing.T) {
	w := newWorkerHandle("w1", nil, nil, passFrames, time.Minute, 8)
	w.start(context.Background())

	proc := func(ctx context.Context, items []interface{}) error {
		<-ctx.Done()
		return ctx.Err()
	}
	msg := dataMessage(proc, PortionFrame{TaskId: "slow", Items: []interface{}{1}, Timeout: 20 * time.Millisecond})
	w.push(msg)

	resp := nextMessage(t, w, KindResponse)
	assert.Equal(t, 0, resp.Response.Processed)
	assert.Equal(t, 1, len(resp.Response.Errors))
	assert.Equal(t, ErrCodeTimeout, resp.Response.Errors[0].Code)

	w.kill()
	<-w.done
}

func TestWorkerHandle_FailedTransferFaults(t *testing.T) {
	broken := func(data *DataBody) ([]PortionFrame, error) {
		return nil, errors.New("payload lost")
	}
	w := newWorkerHandle("w1", nil, nil, broken, time.Minute, 8)
	w.start(context.Background())

	proc := func(ctx context.Context, items []interface{}) error { return nil }
	w.push(dataMessage(proc, PortionFrame{TaskId: "t", Items: []interface{}{1}}))

	fault := nextMessage(t, w, KindError)
	assert.Equal(t, ErrCodeTransferFailed, fault.Fault.Code)

	w.kill()
	<-w.done
}

func TestWorkerHandle_CommandHandling(t *testing.T) {
	w := newWorkerHandle("w1", nil, nil, passFrames, time.Minute, 8)
	w.start(context.Background())

	bogus := NewCommandMessage("defrag", nil)
	w.push(bogus)
	fault := nextMessage(t, w, KindError)
	assert.Equal(t, bogus.Id, fault.CorrelationId)
	assert.Equal(t, ErrCodeGeneral, fault.Fault.Code)

	//an unknown command does not kill the loop
	ping := NewCommandMessage(cmdPing, nil)
	w.push(ping)
	resp := nextMessage(t, w, KindResponse)
	assert.Equal(t, ping.Id, resp.CorrelationId)

	//shutdown acknowledges, then the loop ends cleanly
	w.push(NewCommandMessage(cmdShutdown, nil))
	nextMessage(t, w, KindResponse)
	<-w.done
	assert.Equal(t, nil, w.ExitErr())
}

func TestWorkerHandle_EntryFailureEndsWorker(t *testing.T) {
	var got interface{}
	entry := func(ctx context.Context, init interface{}) error {
		got = init
		return errors.New("init failed")
	}
	w := newWorkerHandle("w1", entry, "payload", passFrames, time.Minute, 8)
	w.start(context.Background())

	<-w.done
	assert.Equal(t, "payload", got)
	assert.NotEqual(t, nil, w.ExitErr())
}

func TestWorkerHandle_MailboxBounded(t *testing.T) {
	w := newWorkerHandle("w1", nil, nil, passFrames, time.Minute, 2)
	//not started, nothing drains the inbox
	assert.Equal(t, true, w.push(NewCommandMessage(cmdPing, nil)))
	assert.Equal(t, true, w.push(NewCommandMessage(cmdPing, nil)))
	assert.Equal(t, false, w.push(NewCommandMessage(cmdPing, nil)))
}
