package batchflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/finbase/batchflow/status"
)

//WorkerEntry runs once inside a freshly spawned worker before it starts
//serving, receiving the initial payload passed to Spawn. A non-nil error
//marks the worker crashed without it ever serving a batch.
type WorkerEntry func(ctx context.Context, init interface{}) error

//materializer restores the frames of a data message from whatever transport
//carried its payload. Wired by the communication router at spawn time.
type materializer func(data *DataBody) ([]PortionFrame, error)

//WorkerHandle one isolated execution context. The handle owns a channel
//pair, nothing else crosses the boundary: requests enter through the inbox,
//responses and heartbeats leave through the outbox. State the worker shares
//with its registry travels only inside messages.
type WorkerHandle struct {
	id     string
	inbox  chan *Message
	outbox chan *Message
	done   chan struct{}
	cancel context.CancelFunc

	entry      WorkerEntry
	init       interface{}
	deref      materializer
	hbInterval time.Duration

	mu      sync.Mutex
	closed  bool
	state   status.WorkerState
	memUsed int64
	tasks   int64
	exitErr error
}

func newWorkerHandle(id string, entry WorkerEntry, init interface{}, deref materializer, hbInterval time.Duration, mailbox int) *WorkerHandle {
	if mailbox <= 0 {
		mailbox = 8
	}
	return &WorkerHandle{
		id:         id,
		inbox:      make(chan *Message, mailbox),
		outbox:     make(chan *Message, mailbox*2),
		done:       make(chan struct{}),
		entry:      entry,
		init:       init,
		deref:      deref,
		hbInterval: hbInterval,
		state:      status.WorkerStarting,
	}
}

//Id worker identifier.
func (w *WorkerHandle) Id() string {
	return w.id
}

func (w *WorkerHandle) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.serve(ctx)
	go w.heartbeats(ctx)
}

//push enqueue a request without blocking. False means the mailbox is full.
func (w *WorkerHandle) push(msg *Message) bool {
	select {
	case w.inbox <- msg:
		return true
	default:
		return false
	}
}

//kill force-terminate the worker. The serve loop observes the cancellation
//at its next suspension point.
func (w *WorkerHandle) kill() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *WorkerHandle) serve(ctx context.Context) {
	defer close(w.done)
	defer w.closeOutbox()
	defer func() {
		if r := recover(); r != nil {
			w.fail(fmt.Errorf("worker panic:%v", r))
		}
	}()

	if w.entry != nil {
		if err := w.entry(ctx, w.init); err != nil {
			w.fail(err)
			return
		}
	}
	w.setState(status.WorkerIdle)
	w.beat()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbox:
			if !w.handle(ctx, msg) {
				return
			}
		}
	}
}

//handle serve one request, false stops the loop.
func (w *WorkerHandle) handle(ctx context.Context, msg *Message) bool {
	switch msg.Kind {
	case KindCommand:
		switch msg.Command.Name {
		case cmdShutdown:
			w.setState(status.WorkerStopping)
			w.emit(NewResponseMessage(msg, 0, nil))
			return false
		case cmdPing:
			w.emit(NewResponseMessage(msg, 0, nil))
		default:
			w.emit(NewErrorMessage(msg, ErrCodeGeneral, fmt.Sprintf("unknown command:%v", msg.Command.Name)))
		}
	case KindData:
		w.setState(status.WorkerRunning)
		w.emit(w.process(ctx, msg))
		w.setState(status.WorkerIdle)
	default:
		w.emit(NewErrorMessage(msg, ErrCodeGeneral, fmt.Sprintf("unexpected message kind:%v", msg.Kind)))
	}
	return true
}

func (w *WorkerHandle) process(ctx context.Context, msg *Message) *Message {
	w.noteMem(int64(msg.Data.Bytes))
	frames, err := w.deref(msg.Data)
	if err != nil {
		return NewErrorMessage(msg, ErrCodeTransferFailed, err.Error())
	}
	if len(msg.Data.procs) != len(frames) {
		return NewErrorMessage(msg, ErrCodeGeneral, "frames and processors out of step")
	}
	processed := 0
	var portionErrs []PortionError
	for i, frame := range frames {
		perr := runProcessor(ctx, msg.Data.procs[i], frame)
		if perr == nil {
			processed += len(frame.Items)
			continue
		}
		portionErrs = append(portionErrs, *perr)
	}
	w.addTasks(int64(processed))
	return NewResponseMessage(msg, processed, portionErrs)
}

//runProcessor execute one portion under its timeout, panics become portion
//errors rather than worker crashes.
func runProcessor(ctx context.Context, proc Processor, frame PortionFrame) (perr *PortionError) {
	defer func() {
		if r := recover(); r != nil {
			perr = &PortionError{TaskId: frame.TaskId, Code: ErrCodeProcessingFailed, Message: fmt.Sprintf("panic:%v", r)}
		}
	}()
	if proc == nil {
		return &PortionError{TaskId: frame.TaskId, Code: ErrCodeGeneral, Message: "no processor supplied"}
	}
	pctx := ctx
	if frame.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, frame.Timeout)
		defer cancel()
	}
	if err := proc(pctx, frame.Items); err != nil {
		code := ErrCodeProcessingFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		return &PortionError{TaskId: frame.TaskId, Code: code, Message: err.Error()}
	}
	return nil
}

func (w *WorkerHandle) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(w.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

func (w *WorkerHandle) beat() {
	w.mu.Lock()
	state, mem, tasks := w.state, w.memUsed, w.tasks
	w.mu.Unlock()
	w.emit(NewHeartbeatMessage(w.id, state, mem, tasks))
}

//emit publish to the outbox without ever blocking the worker. Dropped
//messages are acceptable, the pump normally drains far faster than the
//worker produces.
func (w *WorkerHandle) emit(msg *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.outbox <- msg:
	default:
	}
}

func (w *WorkerHandle) closeOutbox() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	close(w.outbox)
}

func (w *WorkerHandle) setState(s status.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

func (w *WorkerHandle) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exitErr = err
}

//ExitErr reason the serve loop ended abnormally, nil after a clean exit.
func (w *WorkerHandle) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

func (w *WorkerHandle) noteMem(bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes > w.memUsed {
		w.memUsed = bytes
	}
}

func (w *WorkerHandle) addTasks(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks += n
}
