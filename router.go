package batchflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/finbase/batchflow/internal/logs"
	"github.com/finbase/batchflow/metrics"
	"github.com/finbase/batchflow/spool"
	"github.com/google/uuid"
)

//TransferRecord outcome of one worker dispatch, kept in a bounded ring for
//diagnostics and metrics.
type TransferRecord struct {
	Strategy TransferStrategy
	Bytes    int
	Start    time.Time
	End      time.Time
	Ok       bool
}

//Latency wall time of the transfer including processing on the worker
func (t TransferRecord) Latency() time.Duration {
	return t.End.Sub(t.Start)
}

//transferRing fixed-size record of recent transfers, oldest overwritten first
type transferRing struct {
	mu   sync.Mutex
	recs []TransferRecord
	next int
	full bool
}

func newTransferRing(size int) *transferRing {
	if size <= 0 {
		size = 256
	}
	return &transferRing{recs: make([]TransferRecord, size)}
}

func (r *transferRing) add(rec TransferRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[r.next] = rec
	r.next++
	if r.next == len(r.recs) {
		r.next = 0
		r.full = true
	}
}

//snapshot records ordered oldest to newest
func (r *transferRing) snapshot() []TransferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]TransferRecord, r.next)
		copy(out, r.recs[:r.next])
		return out
	}
	out := make([]TransferRecord, 0, len(r.recs))
	out = append(out, r.recs[r.next:]...)
	out = append(out, r.recs[:r.next]...)
	return out
}

//bufferRegion one parked payload awaiting dereference
type bufferRegion struct {
	payload []byte
	created time.Time
}

//bufferStore in-process shared buffer pool. A payload is parked under a key,
//the receiving side takes it exactly once. Slots are bounded so a burst of
//large batches cannot grow memory without limit.
type bufferStore struct {
	mu      sync.Mutex
	regions map[string]bufferRegion
	slots   int
	now     func() time.Time
}

func newBufferStore(slots int) *bufferStore {
	if slots <= 0 {
		slots = 128
	}
	return &bufferStore{regions: make(map[string]bufferRegion), slots: slots, now: time.Now}
}

func (b *bufferStore) put(payload []byte) (*BufferRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.regions) >= b.slots {
		return nil, NewBatchError(ErrCodeTransferFailed, "shared buffer pool exhausted, %v regions in flight", len(b.regions))
	}
	key := uuid.NewString()
	b.regions[key] = bufferRegion{payload: payload, created: b.now()}
	return &BufferRef{Key: key, Size: len(payload)}, nil
}

//take removes and returns the region. A second take of the same key fails.
func (b *bufferStore) take(ref *BufferRef) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	region, ok := b.regions[ref.Key]
	if !ok {
		return nil, NewBatchError(ErrCodeTransferFailed, "shared buffer region:%v not found or already taken", ref.Key)
	}
	delete(b.regions, ref.Key)
	if len(region.payload) != ref.Size {
		return nil, NewBatchError(ErrCodeTransferFailed, "shared buffer region:%v size mismatch, expect:%v actual:%v", ref.Key, ref.Size, len(region.payload))
	}
	return region.payload, nil
}

//discard drops a region if still present. Missing is not an error, the
//receiver may have taken it already.
func (b *bufferStore) discard(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.regions, key)
}

//sweep drops regions older than maxAge, returns how many were dropped
func (b *bufferStore) sweep(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	cutoff := b.now().Add(-maxAge)
	for key, region := range b.regions {
		if region.created.Before(cutoff) {
			delete(b.regions, key)
			dropped++
		}
	}
	return dropped
}

func (b *bufferStore) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regions)
}

//CommunicationRouter moves batch payloads to workers over one of three
//strategies picked by encoded payload size: inline in the message, parked in
//a shared buffer region, or staged in a spool file. The receiving side always
//sees the same decoded frames whichever road the bytes took, and a failed
//transfer never falls back to another strategy.
type CommunicationRouter struct {
	cfg      *TransferConfig
	registry *WorkerRegistry
	buffers  *bufferStore
	files    *spool.Store
	ring     *transferRing
	logger   logs.Logger
	stats    *metrics.Set
	now      func() time.Time
}

func newCommunicationRouter(cfg *TransferConfig, registry *WorkerRegistry, logger logs.Logger, stats *metrics.Set) (*CommunicationRouter, error) {
	files, err := spool.NewStore(cfg.SpoolDir)
	if err != nil {
		return nil, NewBatchError(ErrCodeTransferFailed, "open spool dir", err)
	}
	r := &CommunicationRouter{
		cfg:      cfg,
		registry: registry,
		buffers:  newBufferStore(cfg.BufferSlots),
		files:    files,
		ring:     newTransferRing(cfg.MetricsRing),
		logger:   logger,
		stats:    stats,
		now:      time.Now,
	}
	registry.setMaterializer(r.materialize)
	return r, nil
}

//selectStrategy pure size election. Thresholds compare the encoded payload,
//not the item count.
func (r *CommunicationRouter) selectStrategy(size int) TransferStrategy {
	switch {
	case size < r.cfg.InlineMax:
		return StrategyInline
	case size < r.cfg.SharedBufferMax:
		return StrategySharedBuffer
	default:
		return StrategyStagedFile
	}
}

//stage encodes the frames and parks the bytes where the elected strategy
//says. Mutates msg.Data in place.
func (r *CommunicationRouter) stage(msg *Message) error {
	data := msg.Data
	payload, err := json.Marshal(data.Frames)
	if err != nil {
		return NewBatchError(ErrCodeTransferFailed, "encode batch:%v", data.BatchId, err)
	}
	data.Bytes = len(payload)
	data.Strategy = r.selectStrategy(len(payload))
	switch data.Strategy {
	case StrategyInline:
		data.Inline = payload
	case StrategySharedBuffer:
		ref, err := r.buffers.put(payload)
		if err != nil {
			return err
		}
		data.BufferRef = ref
	case StrategyStagedFile:
		ref, err := r.files.Write(msg.Id, payload)
		if err != nil {
			return NewBatchError(ErrCodeTransferFailed, "stage batch:%v to file", data.BatchId, err)
		}
		data.FileRef = ref
	}
	//frames travel encoded, the receiving side restores them
	data.Frames = nil
	return nil
}

//unstage releases whatever stage parked, used when the dispatch never
//reached a worker or the worker never answered
func (r *CommunicationRouter) unstage(data *DataBody) {
	if data.BufferRef != nil {
		r.buffers.discard(data.BufferRef.Key)
	}
	if data.FileRef != nil {
		if err := r.files.Remove(data.FileRef); err != nil {
			r.logger.Warn(context.Background(), "remove staged file:%v err:%v", data.FileRef.Path, err)
		}
	}
}

//materialize restores the encoded frames on the receiving side. This is the
//only road back, a missing buffer region or corrupt spool file is a transfer
//failure for the whole batch.
func (r *CommunicationRouter) materialize(data *DataBody) ([]PortionFrame, error) {
	var payload []byte
	switch data.Strategy {
	case StrategyInline:
		payload = data.Inline
	case StrategySharedBuffer:
		if data.BufferRef == nil {
			return nil, NewBatchError(ErrCodeTransferFailed, "batch:%v shared buffer strategy without reference", data.BatchId)
		}
		taken, err := r.buffers.take(data.BufferRef)
		if err != nil {
			return nil, err
		}
		payload = taken
	case StrategyStagedFile:
		if data.FileRef == nil {
			return nil, NewBatchError(ErrCodeTransferFailed, "batch:%v staged file strategy without reference", data.BatchId)
		}
		read, err := r.files.Read(data.FileRef)
		if err != nil {
			return nil, NewBatchError(ErrCodeTransferFailed, "read staged batch:%v", data.BatchId, err)
		}
		if err = r.files.Remove(data.FileRef); err != nil {
			r.logger.Warn(context.Background(), "remove staged file:%v err:%v", data.FileRef.Path, err)
		}
		payload = read
	default:
		return nil, NewBatchError(ErrCodeTransferFailed, "batch:%v unknown transfer strategy:%v", data.BatchId, data.Strategy)
	}
	var frames []PortionFrame
	if err := json.Unmarshal(payload, &frames); err != nil {
		return nil, NewBatchError(ErrCodeTransferFailed, "decode batch:%v", data.BatchId, err)
	}
	return frames, nil
}

//Send dispatches a batch to one worker and waits for its response. Returns
//the worker response, the strategy the payload traveled by, and an error
//carrying one of the transfer or communication codes.
func (r *CommunicationRouter) Send(ctx context.Context, workerId string, batch *Batch) (*ResponseBody, TransferStrategy, error) {
	msg := NewDataMessage(batch)
	if err := r.stage(msg); err != nil {
		return nil, msg.Data.Strategy, err
	}
	start := r.now()
	reply, err := r.registry.Ask(ctx, workerId, msg)
	rec := TransferRecord{Strategy: msg.Data.Strategy, Bytes: msg.Data.Bytes, Start: start, End: r.now()}
	if err != nil {
		r.unstage(msg.Data)
		r.observe(rec)
		return nil, msg.Data.Strategy, err
	}
	if reply.Kind == KindError && reply.Fault != nil {
		r.unstage(msg.Data)
		r.observe(rec)
		return nil, msg.Data.Strategy, NewBatchError(reply.Fault.Code, "worker:%v batch:%v %v", workerId, batch.Id, reply.Fault.Message)
	}
	if reply.Response == nil {
		r.observe(rec)
		return nil, msg.Data.Strategy, NewBatchError(ErrCodeTransferFailed, "worker:%v batch:%v empty response", workerId, batch.Id)
	}
	rec.Ok = true
	r.observe(rec)
	return reply.Response, msg.Data.Strategy, nil
}

func (r *CommunicationRouter) observe(rec TransferRecord) {
	r.ring.add(rec)
	r.stats.TransferObserved(string(rec.Strategy), rec.Bytes, rec.Ok)
}

//Ping round-trips a ping command, used by health probes
func (r *CommunicationRouter) Ping(ctx context.Context, workerId string) error {
	_, err := r.registry.Ask(ctx, workerId, NewCommandMessage(cmdPing, nil))
	return err
}

//Broadcast fire-and-forget command to every live worker
func (r *CommunicationRouter) Broadcast(ctx context.Context, command string) {
	for _, rec := range r.registry.Workers() {
		if !rec.State.Alive() {
			continue
		}
		if err := r.registry.Send(rec.WorkerId, NewCommandMessage(command, nil)); err != nil {
			r.logger.Warn(ctx, "broadcast %v to worker:%v err:%v", command, rec.WorkerId, err)
		}
	}
}

//RecentTransfers snapshot of the transfer ring ordered oldest to newest
func (r *CommunicationRouter) RecentTransfers() []TransferRecord {
	return r.ring.snapshot()
}

//Sweep clears staged payloads nothing dereferenced within maxAge. The engine
//janitor calls this, a crashed worker can orphan its staging.
func (r *CommunicationRouter) Sweep(ctx context.Context, maxAge time.Duration) {
	dropped := r.buffers.sweep(maxAge)
	removed, err := r.files.Sweep(maxAge)
	if err != nil {
		r.logger.Warn(ctx, "spool sweep err:%v", err)
	}
	if dropped > 0 || removed > 0 {
		r.logger.Info(ctx, "swept %v buffer regions, %v spool files", dropped, removed)
	}
}
