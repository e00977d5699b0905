package taskqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Priority orders tasks in the queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is the task lifecycle state. Terminal states are immutable.
type Status int

const (
	StatusQueued Status = iota
	StatusAssigned
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusTimedOut
	StatusCancelled
	StatusDeadLettered
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusAssigned:
		return "assigned"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusCancelled:
		return "cancelled"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimedOut, StatusCancelled, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// Task is a unit of work. The queue exclusively owns state transitions;
// callers interact through Enqueue/Dequeue/Ack/Nack only.
type Task struct {
	ID                   string        `json:"id"`
	RequestID            string        `json:"request_id,omitempty"`
	Type                 string        `json:"type"`
	Payload              []byte        `json:"payload,omitempty"`
	Priority             Priority      `json:"priority"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	DependsOn            []string      `json:"depends_on,omitempty"`
	Deadline             time.Time     `json:"deadline,omitempty"`
	Retries              int           `json:"retries"`
	MaxRetries           int           `json:"max_retries"`
	Status               Status        `json:"status"`
	Result               interface{}   `json:"result,omitempty"`
	Error                string        `json:"error,omitempty"`
	WorkerID             string        `json:"worker_id,omitempty"`
	LeaseExpiry          time.Time     `json:"lease_expiry,omitempty"`
}

// fingerprint identifies logically-equivalent tasks for deduplication.
func (t *Task) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(t.Type))
	h.Write([]byte{0})
	h.Write(t.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (t *Task) clone() *Task {
	cp := *t
	cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Payload = append([]byte(nil), t.Payload...)
	return &cp
}
