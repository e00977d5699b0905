package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/events"
	"github.com/revoagent/orchestrator/internal/metrics"
)

var (
	ErrDuplicateWorker  = errors.New("worker already registered")
	ErrUnknownWorker    = errors.New("worker not registered")
	ErrNoEligibleWorker = errors.New("no eligible worker")
)

// Status describes a worker's availability. It is a pure function of load and
// health, recomputed on every load or probe update.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
	StatusOverloaded
	StatusError
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusOverloaded:
		return "overloaded"
	case StatusError:
		return "error"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Strategy selects among eligible workers.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastBusy
	LeastResponseTime
	Weighted
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LeastBusy:
		return "least_busy"
	case LeastResponseTime:
		return "least_response_time"
	case Weighted:
		return "weighted"
	default:
		return "unknown"
	}
}

// WorkerInfo is a read-only snapshot of a registered worker.
type WorkerInfo struct {
	ID             string
	Capabilities   []string
	MaxConcurrency int
	Load           int
	Status         Status
	SuccessRate    float64
	MeanLatency    time.Duration
}

type worker struct {
	id             string
	capabilities   map[string]struct{}
	maxConcurrency int
	load           int
	status         Status
	successes      uint64
	failures       uint64
	meanLatency    float64 // EWMA, milliseconds
	probeFailures  int
}

// Config tunes registry behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failed health probes
	// before a worker is taken Offline.
	FailureThreshold int
}

// Registry tracks workers, their capabilities, load, and health. All state is
// owned here; mutation happens only through its methods.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*worker
	rrSeq   uint64
	cfg     Config
	logger  *zap.Logger
	events  *events.Manager

	// requeue is invoked with the ids of in-flight tasks when a worker is
	// deregistered while loaded; the queue implements the actual requeue.
	requeue func(workerID string)
}

// New creates a registry. The events manager may be nil.
func New(cfg Config, ev *events.Manager, logger *zap.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Registry{
		workers: make(map[string]*worker),
		cfg:     cfg,
		logger:  logger,
		events:  ev,
	}
}

// SetRequeueFunc installs the callback used to requeue tasks from a
// deregistered worker. Must be called before Deregister is used.
func (r *Registry) SetRequeueFunc(fn func(workerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeue = fn
}

// Register adds a worker with its declared capabilities.
func (r *Registry) Register(workerID string, capabilities []string, maxConcurrency int) error {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; ok {
		return ErrDuplicateWorker
	}
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	r.workers[workerID] = &worker{
		id:             workerID,
		capabilities:   caps,
		maxConcurrency: maxConcurrency,
		status:         StatusIdle,
	}
	metrics.WorkersRegistered.Set(float64(len(r.workers)))
	r.emitLocked(workerID, StatusIdle, "registered")
	r.logger.Info("Worker registered",
		zap.String("worker_id", workerID),
		zap.Strings("capabilities", capabilities),
		zap.Int("max_concurrency", maxConcurrency),
	)
	return nil
}

// Deregister removes a worker; in-flight work is handed to the requeue callback.
func (r *Registry) Deregister(workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	hadLoad := w.load > 0
	requeue := r.requeue
	delete(r.workers, workerID)
	metrics.WorkersRegistered.Set(float64(len(r.workers)))
	r.emitLocked(workerID, StatusOffline, "deregistered")
	r.mu.Unlock()

	if hadLoad && requeue != nil {
		requeue(workerID)
	}
	r.logger.Info("Worker deregistered", zap.String("worker_id", workerID))
	return nil
}

// UpdateStatus applies a load delta and recomputes the worker's status.
// Load is clamped so 0 <= load <= maxConcurrency always holds.
func (r *Registry) UpdateStatus(workerID string, loadDelta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	w.load += loadDelta
	if w.load < 0 {
		w.load = 0
	}
	if w.load > w.maxConcurrency {
		w.load = w.maxConcurrency
	}
	r.recomputeLocked(w)
	return nil
}

// RecordResult feeds the rolling performance metrics after a task finishes.
func (r *Registry) RecordResult(workerID string, success bool, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	if success {
		w.successes++
	} else {
		w.failures++
	}
	ms := float64(latency.Milliseconds())
	if w.meanLatency == 0 {
		w.meanLatency = ms
	} else {
		w.meanLatency = 0.8*w.meanLatency + 0.2*ms
	}
	return nil
}

// ReportProbe records a health probe outcome. FailureThreshold consecutive
// failures take the worker Offline; a single pass brings it back.
func (r *Registry) ReportProbe(workerID string, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	if healthy {
		w.probeFailures = 0
	} else {
		w.probeFailures++
	}
	r.recomputeLocked(w)
	return nil
}

// FindBest selects a worker covering all required capabilities using the
// given strategy. Ties break on lowest worker id for determinism.
func (r *Registry) FindBest(required []string, strategy Strategy) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eligible := r.eligibleLocked(required)
	if len(eligible) == 0 {
		return "", ErrNoEligibleWorker
	}

	var chosen *worker
	switch strategy {
	case RoundRobin:
		idle := filter(eligible, func(w *worker) bool { return w.load == 0 })
		pool := idle
		if len(pool) == 0 {
			pool = eligible
		}
		chosen = pool[int(r.rrSeq)%len(pool)]
	case LeastBusy:
		chosen = minBy(eligible, func(w *worker) float64 { return float64(w.load) })
	case LeastResponseTime:
		chosen = minBy(eligible, func(w *worker) float64 { return w.meanLatency })
	case Weighted:
		chosen = minBy(eligible, func(w *worker) float64 {
			capacity := 1 - float64(w.load)/float64(w.maxConcurrency)
			return -(0.5*capacity + 0.5*w.successRate())
		})
	default:
		chosen = eligible[0]
	}

	metrics.WorkerSelections.WithLabelValues(strategy.String()).Inc()
	return chosen.id, nil
}

// AdvanceRoundRobin moves the rotation cursor after an assignment.
func (r *Registry) AdvanceRoundRobin() {
	r.mu.Lock()
	r.rrSeq++
	r.mu.Unlock()
}

// Snapshot returns read-only worker state, sorted by id.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		caps := make([]string, 0, len(w.capabilities))
		for c := range w.capabilities {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		out = append(out, WorkerInfo{
			ID:             w.id,
			Capabilities:   caps,
			MaxConcurrency: w.maxConcurrency,
			Load:           w.load,
			Status:         w.status,
			SuccessRate:    w.successRate(),
			MeanLatency:    time.Duration(w.meanLatency) * time.Millisecond,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of registered workers.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// eligibleLocked returns workers covering all required capabilities that are
// selectable (not Offline/Error, with spare capacity), sorted by id.
func (r *Registry) eligibleLocked(required []string) []*worker {
	var out []*worker
	for _, w := range r.workers {
		if w.status == StatusOffline || w.status == StatusError {
			continue
		}
		if w.load >= w.maxConcurrency {
			continue
		}
		if !w.covers(required) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (w *worker) covers(required []string) bool {
	for _, c := range required {
		if _, ok := w.capabilities[c]; !ok {
			return false
		}
	}
	return true
}

func (w *worker) successRate() float64 {
	total := w.successes + w.failures
	if total == 0 {
		return 1
	}
	return float64(w.successes) / float64(total)
}

// recomputeLocked derives status from health and load, emitting an event on change.
func (r *Registry) recomputeLocked(w *worker) {
	var next Status
	switch {
	case w.probeFailures >= r.cfg.FailureThreshold:
		next = StatusOffline
	case w.load >= w.maxConcurrency:
		next = StatusOverloaded
	case w.load > 0:
		next = StatusBusy
	default:
		next = StatusIdle
	}
	if next != w.status {
		w.status = next
		r.emitLocked(w.id, next, "status recomputed")
	}
}

func (r *Registry) emitLocked(workerID string, status Status, msg string) {
	metrics.WorkerStatusChanges.WithLabelValues(status.String()).Inc()
	if r.events == nil {
		return
	}
	r.events.Publish(events.Event{
		Topic:   events.TopicWorkers,
		Type:    "worker_status_changed",
		Source:  workerID,
		Message: msg,
		Data:    map[string]interface{}{"status": status.String()},
	})
}

func filter(ws []*worker, keep func(*worker) bool) []*worker {
	var out []*worker
	for _, w := range ws {
		if keep(w) {
			out = append(out, w)
		}
	}
	return out
}

// minBy returns the worker with the minimum score; input is sorted by id so
// the first minimum wins, keeping selection deterministic.
func minBy(ws []*worker, score func(*worker) float64) *worker {
	best := ws[0]
	bestScore := score(best)
	for _, w := range ws[1:] {
		if s := score(w); s < bestScore {
			best, bestScore = w, s
		}
	}
	return best
}
