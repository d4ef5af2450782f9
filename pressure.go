package batchflow

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/finbase/batchflow/internal/logs"
	"github.com/finbase/batchflow/status"
)

//score weights, queue fullness dominates and latency only nudges
const (
	weightQueue   = 0.4
	weightMemory  = 0.3
	weightCPU     = 0.2
	weightLatency = 0.1
)

//goroutinesPerCore saturation proxy for the default sampler. Hosts with real
//scheduler or platform load data should inject their own ResourceSampler.
const goroutinesPerCore = 256

//highPressureCeilingRatio queue ceiling shrinks to this share of capacity
//when pressure reaches high
const highPressureCeilingRatio = 0.6

//ResourceSample point-in-time resource usage, every ratio in [0, 1]
type ResourceSample struct {
	MemoryRatio float64
	CPURatio    float64
}

//ResourceSampler reports memory and CPU usage ratios. The engine ships a
//runtime-based sampler, embedders with platform telemetry can replace it.
type ResourceSampler interface {
	Sample() ResourceSample
}

//runtimeSampler derives ratios from the Go runtime. Memory compares heap
//allocation against the configured ceiling, CPU uses goroutine count per
//core as a saturation proxy.
type runtimeSampler struct {
	memCeiling int64
}

func (s runtimeSampler) Sample() ResourceSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mem := float64(ms.HeapAlloc) / float64(s.memCeiling)
	cpu := float64(runtime.NumGoroutine()) / float64(runtime.GOMAXPROCS(0)*goroutinesPerCore)
	return ResourceSample{MemoryRatio: clamp01(mem), CPURatio: clamp01(cpu)}
}

//PressureSnapshot one sampled observation with its composite score and level
type PressureSnapshot struct {
	Time           time.Time
	QueueOccupancy float64
	MemoryRatio    float64
	CPURatio       float64
	LatencyRatio   float64
	Score          float64
	Level          status.PressureLevel
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

//pressureScore weighted composite of the four load signals. Pure, same
//inputs always give the same score.
func pressureScore(occupancy, memory, cpu, latency float64) float64 {
	return weightQueue*clamp01(occupancy) +
		weightMemory*clamp01(memory) +
		weightCPU*clamp01(cpu) +
		weightLatency*clamp01(latency)
}

//ReliefFunc invoked when pressure reaches critical or emergency. Dropped
//holds the tasks evicted from the queue, nil when nothing was dropped.
type ReliefFunc func(level status.PressureLevel, dropped []*BatchTask)

//BackpressureMonitor samples load, scores it, and applies graduated actions
//when the pressure level changes: throttling first, then queue shrinking,
//then evicting low-priority work, then rejecting admissions outright. A
//separate slower loop relaxes the throttle once occupancy has trended down
//long enough.
type BackpressureMonitor struct {
	cfg     *PressureConfig
	queue   *BatchQueue
	sampler ResourceSampler
	latency func() time.Duration
	logger  logs.Logger

	mu       sync.Mutex
	level    status.PressureLevel
	throttle float64
	admit    bool
	history  []PressureSnapshot
	relieve  ReliefFunc
	onChange func(from, to status.PressureLevel, snap PressureSnapshot)

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

//newBackpressureMonitor latency reports recent processing latency and may be
//nil when no batches have completed yet.
func newBackpressureMonitor(cfg *PressureConfig, queue *BatchQueue, sampler ResourceSampler, latency func() time.Duration, logger logs.Logger) *BackpressureMonitor {
	if sampler == nil {
		sampler = runtimeSampler{memCeiling: cfg.MemoryCeiling}
	}
	return &BackpressureMonitor{
		cfg:      cfg,
		queue:    queue,
		sampler:  sampler,
		latency:  latency,
		logger:   logger,
		level:    status.PressureNone,
		throttle: 1.0,
		admit:    true,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (m *BackpressureMonitor) setRelief(fn ReliefFunc) {
	m.mu.Lock()
	m.relieve = fn
	m.mu.Unlock()
}

func (m *BackpressureMonitor) setOnChange(fn func(from, to status.PressureLevel, snap PressureSnapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

//Start launches the sampling and de-escalation loops
func (m *BackpressureMonitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.sampleLoop(ctx)
	go m.deescalateLoop(ctx)
}

//Stop halts both loops and waits for them
func (m *BackpressureMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *BackpressureMonitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sample(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *BackpressureMonitor) deescalateLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DeescalateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Deescalate(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

//Sample takes one observation, records it, and applies the actions of the
//new pressure level if the level moved.
func (m *BackpressureMonitor) Sample(ctx context.Context) PressureSnapshot {
	res := m.sampler.Sample()
	cpu := res.CPURatio
	if m.cfg.CPUThreshold > 0 {
		cpu = clamp01(res.CPURatio / m.cfg.CPUThreshold)
	}
	var latRatio float64
	if m.latency != nil && m.cfg.LatencyThreshold > 0 {
		latRatio = clamp01(float64(m.latency()) / float64(m.cfg.LatencyThreshold))
	}
	occ := m.queue.Occupancy()
	score := pressureScore(occ, res.MemoryRatio, cpu, latRatio)
	snap := PressureSnapshot{
		Time:           m.now(),
		QueueOccupancy: occ,
		MemoryRatio:    res.MemoryRatio,
		CPURatio:       cpu,
		LatencyRatio:   latRatio,
		Score:          score,
		Level:          status.LevelOf(score),
	}

	m.mu.Lock()
	m.record(snap)
	prev := m.level
	changed := snap.Level != prev
	if changed {
		m.level = snap.Level
		m.applyLevelLocked(ctx, prev, snap.Level)
	}
	notify := m.onChange
	m.mu.Unlock()
	if changed && notify != nil {
		notify(prev, snap.Level, snap)
	}
	return snap
}

//record appends to the bounded history, oldest observation dropped first
func (m *BackpressureMonitor) record(snap PressureSnapshot) {
	limit := m.cfg.HistorySize
	if limit <= 0 {
		limit = 100
	}
	if len(m.history) >= limit {
		copy(m.history, m.history[1:])
		m.history = m.history[:limit-1]
	}
	m.history = append(m.history, snap)
}

//applyLevelLocked graduated response keyed to the level just entered. Moving
//down a level applies the gentler action of the new level, so recovery walks
//back through the same ladder.
func (m *BackpressureMonitor) applyLevelLocked(ctx context.Context, from, to status.PressureLevel) {
	m.logger.Info(ctx, "pressure level %v -> %v, throttle:%v", from, to, m.throttle)
	switch to {
	case status.PressureNone:
		m.throttle = 1.0
		m.admit = true
		m.queue.RestoreCeiling()
	case status.PressureLow:
		m.throttle = 0.9
		m.admit = true
		m.queue.RestoreCeiling()
	case status.PressureMedium:
		m.throttle = 0.7
		m.admit = true
		m.queue.RestoreCeiling()
	case status.PressureHigh:
		m.admit = true
		m.queue.ShrinkCeiling(highPressureCeilingRatio)
	case status.PressureCritical:
		m.admit = true
		m.queue.ShrinkCeiling(highPressureCeilingRatio)
		dropped := m.queue.EvictLowest(m.queue.Ceiling())
		if len(dropped) > 0 {
			m.logger.Warn(ctx, "critical pressure, dropped %v low-priority tasks", len(dropped))
		}
		m.notifyLocked(to, dropped)
	case status.PressureEmergency:
		m.admit = false
		m.logger.Error(ctx, "emergency pressure, rejecting new work")
		m.notifyLocked(to, nil)
	}
}

func (m *BackpressureMonitor) notifyLocked(level status.PressureLevel, dropped []*BatchTask) {
	if m.relieve == nil {
		return
	}
	fn := m.relieve
	//callback runs outside the lock, it may call back into the monitor
	go fn(level, dropped)
}

//Deescalate relaxes the throttle one step when queue occupancy has trended
//downward for at least the trend window.
func (m *BackpressureMonitor) Deescalate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.throttle >= 1.0 {
		return
	}
	if !m.trendingDownLocked() {
		return
	}
	step := m.cfg.DeescalateStep
	if step <= 0 {
		step = 0.05
	}
	m.throttle += step
	if m.throttle > 1.0 {
		m.throttle = 1.0
	}
	m.logger.Debug(ctx, "occupancy trending down, throttle relaxed to %v", m.throttle)
}

//trendingDownLocked true when the observations spanning the trend window
//never rise and end lower than they started
func (m *BackpressureMonitor) trendingDownLocked() bool {
	window := m.cfg.TrendWindow
	if window <= 0 {
		window = 5 * time.Second
	}
	cutoff := m.now().Add(-window)
	first := -1
	for i, snap := range m.history {
		if !snap.Time.Before(cutoff) {
			first = i
			break
		}
	}
	if first < 0 || len(m.history)-first < 2 {
		return false
	}
	//the window must be fully covered, a burst of fresh samples alone is not
	//a trend
	if first == 0 && m.history[0].Time.After(cutoff.Add(window/2)) {
		return false
	}
	span := m.history[first:]
	for i := 1; i < len(span); i++ {
		if span[i].QueueOccupancy > span[i-1].QueueOccupancy {
			return false
		}
	}
	return span[len(span)-1].QueueOccupancy < span[0].QueueOccupancy
}

//CurrentLevel the pressure level of the latest sample
func (m *BackpressureMonitor) CurrentLevel() status.PressureLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

//ShouldAdmit false while emergency pressure rejects new submissions
func (m *BackpressureMonitor) ShouldAdmit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admit
}

//ThrottleFactor dispatch speed multiplier in (0, 1], 1 means full speed
func (m *BackpressureMonitor) ThrottleFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttle
}

//ShouldThrottle true when dispatch should slow down
func (m *BackpressureMonitor) ShouldThrottle() bool {
	return m.ThrottleFactor() < 1.0
}

//CurrentScore composite score of the latest sample, zero before any sample
func (m *BackpressureMonitor) CurrentScore() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return 0
	}
	return m.history[len(m.history)-1].Score
}

//History snapshot of recent observations, oldest first
func (m *BackpressureMonitor) History() []PressureSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PressureSnapshot, len(m.history))
	copy(out, m.history)
	return out
}
