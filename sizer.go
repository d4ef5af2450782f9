package batchflow

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/finbase/batchflow/internal/logs"
)

//sizing score weights. Error rate counts more than raw throughput, a fast
//batch that fails is worse than a slower clean one.
const (
	sizeWeightThroughput = 0.3
	sizeWeightError      = 0.4
	sizeWeightLoad       = 0.2
	sizeWeightTrend      = 0.1
	sizeWeightBest       = 0.15
)

//adjustThreshold scores inside (-threshold, threshold) hold the current size
const adjustThreshold = 0.2

//trendObservations how many recent observations feed the trend component
const trendObservations = 5

const (
	//SizeGrow the batch size moved up one step
	SizeGrow = "grow"
	//SizeShrink the batch size moved down one step
	SizeShrink = "shrink"
	//SizeHold the batch size stayed put
	SizeHold = "hold"
)

//BatchObservation outcome of one dispatched batch as the sizer sees it
type BatchObservation struct {
	Time      time.Time
	BatchSize int
	Items     int
	Duration  time.Duration
	Errors    int
}

//Throughput items per second, zero for an instant batch
func (o BatchObservation) Throughput() float64 {
	if o.Duration <= 0 {
		return 0
	}
	return float64(o.Items) / o.Duration.Seconds()
}

//ErrorRate failed items over submitted items
func (o BatchObservation) ErrorRate() float64 {
	if o.Items == 0 {
		return 0
	}
	return float64(o.Errors) / float64(o.Items)
}

//SizingResult outcome of one adjustment round
type SizingResult struct {
	Old        int
	New        int
	Action     string
	Score      float64
	Confidence float64
}

//SizingJournal persistence for the learned best size, survives restarts
type SizingJournal interface {
	LoadBestSize(ctx context.Context) (size int, throughput float64, err error)
	SaveBestSize(ctx context.Context, size int, throughput float64) error
}

//sizePerf running throughput stats for one batch size
type sizePerf struct {
	count int
	total float64
}

func (p *sizePerf) avg() float64 {
	if p.count == 0 {
		return 0
	}
	return p.total / float64(p.count)
}

//AdaptiveSizer tunes the batch size from observed performance. Each
//completed batch is recorded, each adjustment round scores the observations
//since the last round and moves the size one step when the signal clears the
//threshold, never further. History is bounded in both age and count.
type AdaptiveSizer struct {
	cfg     *BatchConfig
	load    func() float64
	journal SizingJournal
	logger  logs.Logger

	mu         sync.Mutex
	size       int
	history    []BatchObservation
	perf       map[int]*sizePerf
	bestSize   int
	bestRate   float64
	lastAdjust time.Time
	now        func() time.Time
}

//newAdaptiveSizer load reports the current pressure score and may be nil
func newAdaptiveSizer(cfg *BatchConfig, load func() float64, logger logs.Logger) *AdaptiveSizer {
	return &AdaptiveSizer{
		cfg:    cfg,
		load:   load,
		logger: logger,
		size:   cfg.InitialSize,
		perf:   make(map[int]*sizePerf),
		now:    time.Now,
	}
}

//attachJournal wires persistence and restores the best size learned by
//earlier runs
func (s *AdaptiveSizer) attachJournal(ctx context.Context, j SizingJournal) {
	if j == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
	size, rate, err := j.LoadBestSize(ctx)
	if err != nil {
		s.logger.Warn(ctx, "load best batch size err:%v", err)
		return
	}
	if size >= s.cfg.MinSize && size <= s.cfg.MaxSize && rate > 0 {
		s.bestSize, s.bestRate = size, rate
		s.logger.Info(ctx, "restored best batch size:%v throughput:%.1f", size, rate)
	}
}

//Size the current batch size
func (s *AdaptiveSizer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

//Record feeds one batch outcome into the history and the per-size stats
func (s *AdaptiveSizer) Record(ctx context.Context, obs BatchObservation) {
	if obs.Time.IsZero() {
		obs.Time = s.now()
	}
	s.mu.Lock()
	s.history = append(s.history, obs)
	s.pruneLocked()
	changed := s.updateBestLocked(obs)
	journal, size, rate := s.journal, s.bestSize, s.bestRate
	s.mu.Unlock()
	if changed && journal != nil {
		if err := journal.SaveBestSize(ctx, size, rate); err != nil {
			s.logger.Warn(ctx, "save best batch size err:%v", err)
		}
	}
}

//pruneLocked enforce the retention window and the entry cap on every write
func (s *AdaptiveSizer) pruneLocked() {
	cutoff := s.now().Add(-s.cfg.HistoryRetention)
	first := 0
	for first < len(s.history) && s.history[first].Time.Before(cutoff) {
		first++
	}
	if first > 0 {
		s.history = append(s.history[:0], s.history[first:]...)
	}
	if limit := s.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		over := len(s.history) - limit
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

//updateBestLocked returns true when the best known size changed. Only clean
//enough batches count, a size that wins on speed but fails items cannot
//become the target.
func (s *AdaptiveSizer) updateBestLocked(obs BatchObservation) bool {
	if obs.ErrorRate() > s.cfg.TargetErrorRate {
		return false
	}
	p := s.perf[obs.BatchSize]
	if p == nil {
		p = &sizePerf{}
		s.perf[obs.BatchSize] = p
	}
	p.count++
	p.total += obs.Throughput()
	if avg := p.avg(); avg > s.bestRate {
		s.bestSize, s.bestRate = obs.BatchSize, avg
		return true
	}
	return false
}

//Adjust runs one sizing round over the observations since the last round.
//The size moves at most one step per round regardless of how strong the
//signal is.
func (s *AdaptiveSizer) Adjust(ctx context.Context) SizingResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.windowLocked()
	result := SizingResult{Old: s.size, New: s.size, Action: SizeHold}
	if len(window) == 0 {
		s.lastAdjust = s.now()
		return result
	}

	score := s.scoreLocked(window)
	result.Score = score
	result.Confidence = s.confidence(len(window), score)

	switch {
	case score > adjustThreshold:
		result.New = s.clamp(s.size + s.cfg.StepSize)
	case score < -adjustThreshold:
		result.New = s.clamp(s.size - s.cfg.StepSize)
	}
	if result.New > result.Old {
		result.Action = SizeGrow
	} else if result.New < result.Old {
		result.Action = SizeShrink
	}
	if result.Action != SizeHold {
		s.logger.Info(ctx, "batch size %v -> %v (%v), score:%.3f confidence:%.2f",
			result.Old, result.New, result.Action, score, result.Confidence)
	}
	s.size = result.New
	s.lastAdjust = s.now()
	return result
}

//windowLocked observations recorded since the last adjustment round
func (s *AdaptiveSizer) windowLocked() []BatchObservation {
	if s.lastAdjust.IsZero() {
		return s.history
	}
	first := len(s.history)
	for i, obs := range s.history {
		if !obs.Time.Before(s.lastAdjust) {
			first = i
			break
		}
	}
	return s.history[first:]
}

func (s *AdaptiveSizer) scoreLocked(window []BatchObservation) float64 {
	var tpSum, errSum float64
	for _, obs := range window {
		tpSum += obs.Throughput()
		errSum += obs.ErrorRate()
	}
	n := float64(len(window))
	avgTp, avgErr := tpSum/n, errSum/n

	tpDev := clampSigned((avgTp - s.cfg.TargetThroughput) / s.cfg.TargetThroughput)
	errDev := 0.0
	if s.cfg.TargetErrorRate > 0 {
		errDev = clampSigned((s.cfg.TargetErrorRate - avgErr) / s.cfg.TargetErrorRate)
	} else if avgErr > 0 {
		errDev = -1
	}
	loadComp := 0.0
	if s.load != nil {
		loadComp = -clamp01(s.load())
	}

	raw := sizeWeightThroughput*tpDev +
		sizeWeightError*errDev +
		sizeWeightLoad*loadComp +
		sizeWeightTrend*s.trendLocked() +
		sizeWeightBest*s.bestComponentLocked()
	return raw * s.cfg.Sensitivity
}

//trendLocked direction of throughput over the most recent observations
func (s *AdaptiveSizer) trendLocked() float64 {
	n := len(s.history)
	if n < 2 {
		return 0
	}
	start := n - trendObservations
	if start < 0 {
		start = 0
	}
	span := s.history[start:]
	first, last := span[0].Throughput(), span[len(span)-1].Throughput()
	if first <= 0 {
		if last > 0 {
			return 1
		}
		return 0
	}
	return clampSigned((last - first) / first)
}

//bestComponentLocked nudges toward the historically best size when enabled
func (s *AdaptiveSizer) bestComponentLocked() float64 {
	if !s.cfg.UseHistoricalBest || s.bestSize == 0 || s.bestSize == s.size {
		return 0
	}
	if s.bestSize > s.size {
		return 1
	}
	return -1
}

//confidence grows with observation coverage and signal strength
func (s *AdaptiveSizer) confidence(n int, score float64) float64 {
	cov := clamp01(float64(n) / float64(trendObservations))
	strength := clamp01(math.Abs(score) / (2 * adjustThreshold))
	return cov * (0.5 + 0.5*strength)
}

func (s *AdaptiveSizer) clamp(size int) int {
	if size < s.cfg.MinSize {
		return s.cfg.MinSize
	}
	if size > s.cfg.MaxSize {
		return s.cfg.MaxSize
	}
	return size
}

//BestSize the historically best size and its average throughput, zero when
//nothing qualified yet
func (s *AdaptiveSizer) BestSize() (int, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestSize, s.bestRate
}

func clampSigned(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
