package parallel

import (
	"time"

	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/metrics"
)

// scaleStreak is how many consecutive samples must cross a watermark before
// the pool reacts. A single spike never triggers a resize.
const scaleStreak = 2

// runScaler samples pool pressure every SampleInterval and adjusts the worker
// count. Pressure is (in-flight load + queued backlog) over pool capacity, so
// a deep backlog scales the pool up even while every worker is saturated.
func (e *Engine) runScaler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()

	highStreak, lowStreak := 0, 0
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
		}

		pressure, size := e.samplePressure()
		high, low := e.watermarks()
		switch {
		case pressure > high:
			highStreak++
			lowStreak = 0
		case pressure < low:
			lowStreak++
			highStreak = 0
		default:
			highStreak, lowStreak = 0, 0
		}

		if highStreak >= scaleStreak && size < e.cfg.MaxWorkers {
			added := e.scaleUp()
			highStreak = 0
			e.logger.Info("Scaled worker pool up",
				zap.Int("added", added),
				zap.Int("workers", e.WorkerCount()),
				zap.Float64("pressure", pressure),
			)
		}
		if lowStreak >= scaleStreak && size > e.cfg.MinWorkers {
			removed := e.scaleDown()
			lowStreak = 0
			if removed > 0 {
				e.logger.Info("Scaled worker pool down",
					zap.Int("removed", removed),
					zap.Int("workers", e.WorkerCount()),
					zap.Float64("pressure", pressure),
				)
			}
		}
	}
}

// samplePressure returns the current pressure ratio and pool size.
func (e *Engine) samplePressure() (float64, int) {
	e.mu.Lock()
	ids := make(map[string]struct{}, len(e.workers))
	for id := range e.workers {
		ids[id] = struct{}{}
	}
	e.mu.Unlock()

	capacity, load := 0, 0
	for _, info := range e.registry.Snapshot() {
		if _, ok := ids[info.ID]; !ok {
			continue
		}
		capacity += info.MaxConcurrency
		load += info.Load
	}
	if capacity == 0 {
		return 0, 0
	}
	return float64(load+e.queue.Depth()) / float64(capacity), len(ids)
}

func (e *Engine) scaleUp() int {
	added := 0
	for i := 0; i < e.cfg.ScaleIncrement; i++ {
		if e.WorkerCount() >= e.cfg.MaxWorkers {
			break
		}
		e.spawnWorker()
		added++
	}
	if added > 0 {
		metrics.PoolScaleEvents.WithLabelValues("up").Inc()
	}
	return added
}

// scaleDown cancels up to ScaleIncrement workers, but only ones with zero
// in-flight load. In-flight work is never interrupted by a resize.
func (e *Engine) scaleDown() int {
	idle := make(map[string]struct{})
	for _, info := range e.registry.Snapshot() {
		if info.Load == 0 {
			idle[info.ID] = struct{}{}
		}
	}

	e.mu.Lock()
	var victims []*poolWorker
	for id, w := range e.workers {
		if len(e.workers)-len(victims) <= e.cfg.MinWorkers || len(victims) >= e.cfg.ScaleIncrement {
			break
		}
		if _, ok := idle[id]; ok {
			victims = append(victims, w)
		}
	}
	e.mu.Unlock()

	for _, w := range victims {
		w.cancel()
	}
	if len(victims) > 0 {
		metrics.PoolScaleEvents.WithLabelValues("down").Inc()
	}
	return len(victims)
}
