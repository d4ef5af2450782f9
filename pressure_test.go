package batchflow

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/finbase/batchflow/internal/logs"
	"github.com/finbase/batchflow/status"
)

//stubSampler fixed resource readings the test moves by hand
type stubSampler struct {
	mem float64
	cpu float64
}

func (s *stubSampler) Sample() ResourceSample {
	return ResourceSample{MemoryRatio: s.mem, CPURatio: s.cpu}
}

func pressureConfig() *PressureConfig {
	return &PressureConfig{
		MemoryCeiling:      64 << 20,
		LatencyThreshold:   time.Second,
		SampleInterval:     10 * time.Millisecond,
		DeescalateInterval: 10 * time.Millisecond,
		DeescalateStep:     0.05,
		TrendWindow:        5 * time.Second,
		HistorySize:        100,
	}
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPressureScore_Weights(t *testing.T) {
	assert.Equal(t, 0.0, pressureScore(0, 0, 0, 0))
	assert.Equal(t, 1.0, pressureScore(1, 1, 1, 1))
	//each signal contributes its weight alone
	assert.Equal(t, true, near(0.4, pressureScore(1, 0, 0, 0)))
	assert.Equal(t, true, near(0.3, pressureScore(0, 1, 0, 0)))
	assert.Equal(t, true, near(0.2, pressureScore(0, 0, 1, 0)))
	assert.Equal(t, true, near(0.1, pressureScore(0, 0, 0, 1)))
	//inputs outside [0,1] are clamped, not amplified
	assert.Equal(t, 1.0, pressureScore(5, 3, 2, 9))
	assert.Equal(t, 0.0, pressureScore(-1, -1, -1, -1))
	//pure, identical inputs give identical scores
	assert.Equal(t, pressureScore(0.3, 0.5, 0.2, 0.7), pressureScore(0.3, 0.5, 0.2, 0.7))
}

func TestBackpressureMonitor_LevelWalk(t *testing.T) {
	ctx := context.Background()
	queue := NewBatchQueue(10)
	sampler := &stubSampler{}
	m := newBackpressureMonitor(pressureConfig(), queue, sampler, nil, logs.NewLogger(os.Stdout, logs.Error))

	snap := m.Sample(ctx)
	assert.Equal(t, status.PressureNone, snap.Level)
	assert.Equal(t, 1.0, m.ThrottleFactor())
	assert.Equal(t, false, m.ShouldThrottle())
	assert.Equal(t, true, m.ShouldAdmit())

	//memory alone lifts the score into low
	sampler.mem, sampler.cpu = 0.6, 0.25
	snap = m.Sample(ctx)
	assert.Equal(t, status.PressureLow, snap.Level)
	assert.Equal(t, 0.9, m.ThrottleFactor())
	assert.Equal(t, true, m.ShouldAdmit())

	//queue load added on top reaches medium
	for i := 0; i < 5; i++ {
		queue.Push(queueTask("t", 3, 1))
	}
	snap = m.Sample(ctx)
	assert.Equal(t, status.PressureMedium, snap.Level)
	assert.Equal(t, 0.7, m.ThrottleFactor())

	//high shrinks the ceiling but leaves the throttle where it is
	sampler.mem, sampler.cpu = 1.0, 0.6
	snap = m.Sample(ctx)
	assert.Equal(t, status.PressureHigh, snap.Level)
	assert.Equal(t, 6, queue.Ceiling())
	assert.Equal(t, 0.7, m.ThrottleFactor())
	assert.Equal(t, true, m.ShouldAdmit())

	//full recovery restores ceiling and throttle
	queue.DrainAll()
	sampler.mem, sampler.cpu = 0, 0
	snap = m.Sample(ctx)
	assert.Equal(t, status.PressureNone, snap.Level)
	assert.Equal(t, 10, queue.Ceiling())
	assert.Equal(t, 1.0, m.ThrottleFactor())
	assert.Equal(t, true, m.ShouldAdmit())
}

func TestBackpressureMonitor_CPUThresholdNormalizes(t *testing.T) {
	ctx := context.Background()
	queue := NewBatchQueue(10)
	sampler := &stubSampler{cpu: 0.4}
	cfg := pressureConfig()
	cfg.CPUThreshold = 0.8
	m := newBackpressureMonitor(cfg, queue, sampler, nil, logs.NewLogger(os.Stdout, logs.Error))

	//0.4 of an 0.8 budget reads as half saturated
	snap := m.Sample(ctx)
	assert.Equal(t, true, near(0.5, snap.CPURatio))
	assert.Equal(t, true, near(0.1, snap.Score))
	assert.Equal(t, status.PressureNone, snap.Level)

	//beyond the budget clamps at full saturation
	sampler.cpu = 1.0
	snap = m.Sample(ctx)
	assert.Equal(t, 1.0, snap.CPURatio)
	assert.Equal(t, true, near(0.2, snap.Score))
	assert.Equal(t, status.PressureLow, snap.Level)
	assert.Equal(t, 0.9, m.ThrottleFactor())
}

func TestBackpressureMonitor_CriticalEvictsLowestPriority(t *testing.T) {
	ctx := context.Background()
	queue := NewBatchQueue(10)
	for i := 0; i < 6; i++ {
		queue.Push(queueTask("keep", 8, 1))
	}
	for i := 0; i < 4; i++ {
		queue.Push(queueTask("shed", 1, 1))
	}
	sampler := &stubSampler{mem: 1.0, cpu: 0.55}
	m := newBackpressureMonitor(pressureConfig(), queue, sampler, nil, logs.NewLogger(os.Stdout, logs.Error))

	relief := make(chan []*BatchTask, 1)
	m.setRelief(func(level status.PressureLevel, dropped []*BatchTask) {
		assert.Equal(t, status.PressureCritical, level)
		relief <- dropped
	})

	//occupancy 1.0 + memory 1.0 + cpu 0.55 scores into critical
	snap := m.Sample(ctx)
	assert.Equal(t, status.PressureCritical, snap.Level)
	assert.Equal(t, 6, queue.Ceiling())
	assert.Equal(t, 6, queue.Len())
	select {
	case dropped := <-relief:
		assert.Equal(t, 4, len(dropped))
		for _, task := range dropped {
			assert.Equal(t, 1, task.Priority)
		}
	case <-time.After(time.Second):
		t.Fatal("relief callback never ran")
	}
	//admissions still allowed at critical
	assert.Equal(t, true, m.ShouldAdmit())
}

func TestBackpressureMonitor_EmergencyRejectsAdmissions(t *testing.T) {
	ctx := context.Background()
	queue := NewBatchQueue(4)
	for i := 0; i < 4; i++ {
		queue.Push(queueTask("t", 5, 1))
	}
	sampler := &stubSampler{mem: 1.0, cpu: 1.0}
	slow := func() time.Duration { return 3 * time.Second }
	m := newBackpressureMonitor(pressureConfig(), queue, sampler, slow, logs.NewLogger(os.Stdout, logs.Error))

	snap := m.Sample(ctx)
	assert.Equal(t, status.PressureEmergency, snap.Level)
	//latency beyond the threshold clamps to 1
	assert.Equal(t, 1.0, snap.LatencyRatio)
	assert.Equal(t, false, m.ShouldAdmit())

	//pressure gone, admissions resume
	queue.DrainAll()
	sampler.mem, sampler.cpu = 0, 0
	m.latency = nil
	snap = m.Sample(ctx)
	assert.Equal(t, status.PressureNone, snap.Level)
	assert.Equal(t, true, m.ShouldAdmit())
	assert.Equal(t, 1.0, m.ThrottleFactor())
}

func TestBackpressureMonitor_DeescalateNeedsDownwardTrend(t *testing.T) {
	ctx := context.Background()
	queue := NewBatchQueue(10)
	sampler := &stubSampler{mem: 0.5, cpu: 0.25}
	m := newBackpressureMonitor(pressureConfig(), queue, sampler, nil, logs.NewLogger(os.Stdout, logs.Error))

	base := time.Now()
	elapsed := time.Duration(0)
	m.now = func() time.Time { return base.Add(elapsed) }

	for i := 0; i < 5; i++ {
		queue.Push(queueTask("t", 3, 1))
	}
	snap := m.Sample(ctx)
	assert.Equal(t, status.PressureMedium, snap.Level)
	assert.Equal(t, 0.7, m.ThrottleFactor())

	//a single observation is never a trend
	m.Deescalate(ctx)
	assert.Equal(t, 0.7, m.ThrottleFactor())

	//queue drains while memory climbs, level stays medium but occupancy
	//falls every second for the full trend window
	memUp := []float64{0.6, 0.7, 0.8, 0.9, 1.0}
	cpuUp := []float64{0.4, 0.45, 0.5, 0.5, 0.55}
	for i := 0; i < 5; i++ {
		queue.Pop()
		elapsed += time.Second
		sampler.mem, sampler.cpu = memUp[i], cpuUp[i]
		snap = m.Sample(ctx)
		assert.Equal(t, status.PressureMedium, snap.Level)
	}
	assert.Equal(t, 0.7, m.ThrottleFactor())

	m.Deescalate(ctx)
	assert.Equal(t, true, near(0.75, m.ThrottleFactor()))
	m.Deescalate(ctx)
	assert.Equal(t, true, near(0.8, m.ThrottleFactor()))

	//occupancy rises again, relaxation stops
	for i := 0; i < 3; i++ {
		queue.Push(queueTask("again", 3, 1))
	}
	elapsed += time.Second
	m.Sample(ctx)
	m.Deescalate(ctx)
	assert.Equal(t, true, near(0.8, m.ThrottleFactor()))
}

func TestBackpressureMonitor_HistoryBounded(t *testing.T) {
	ctx := context.Background()
	cfg := pressureConfig()
	cfg.HistorySize = 5
	queue := NewBatchQueue(10)
	m := newBackpressureMonitor(cfg, queue, &stubSampler{}, nil, logs.NewLogger(os.Stdout, logs.Error))

	base := time.Now()
	elapsed := time.Duration(0)
	m.now = func() time.Time { return base.Add(elapsed) }
	for i := 0; i < 12; i++ {
		elapsed += time.Millisecond
		m.Sample(ctx)
	}
	history := m.History()
	assert.Equal(t, 5, len(history))
	//oldest dropped first, the tail is the most recent sample
	assert.Equal(t, base.Add(12*time.Millisecond), history[4].Time)
	assert.Equal(t, base.Add(8*time.Millisecond), history[0].Time)
}
