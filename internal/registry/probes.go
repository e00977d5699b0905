package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc reports whether a worker is currently healthy.
type ProbeFunc func(ctx context.Context, workerID string) bool

// RunProbes periodically probes every registered worker until ctx is done.
// Probe outcomes feed ReportProbe, which handles the Offline transition.
func (r *Registry) RunProbes(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range r.Snapshot() {
				healthy := probe(ctx, info.ID)
				if err := r.ReportProbe(info.ID, healthy); err != nil {
					continue // deregistered mid-sweep
				}
				if !healthy {
					r.logger.Warn("Worker health probe failed",
						zap.String("worker_id", info.ID))
				}
			}
		}
	}
}
