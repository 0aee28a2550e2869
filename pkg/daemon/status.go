package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jamesainslie/minepref/pkg/daemon/store"
	"github.com/jamesainslie/minepref/pkg/gate"
	"github.com/jamesainslie/minepref/pkg/minepref/logging"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// Daemon status values.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusError    = "error"
	StatusStopped  = "stopped"
)

// SubscriptionStatus reports the head subscription.
type SubscriptionStatus struct {
	Enabled    bool  `json:"enabled"`
	Connected  bool  `json:"connected"`
	Reconnects int64 `json:"reconnects"`
}

// CycleSummary is the persisted view of the last CycleResult.
type CycleSummary struct {
	ID        string                `json:"id"`
	Finished  time.Time             `json:"finished"`
	Duration  time.Duration         `json:"duration"`
	Outcome   Outcome               `json:"outcome"`
	Decision  gate.Decision         `json:"decision"`
	Candidate preference.Preference `json:"candidate,omitempty"`
	Slices    []preference.SliceID  `json:"slices,omitempty"`
	Dropped   int                   `json:"dropped,omitempty"`
	Gap       bool                  `json:"gap,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// StatusFile is the daemon state published for the CLI.
type StatusFile struct {
	Status    string    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Node             string              `json:"node,omitempty"`
	Policy           string              `json:"policy,omitempty"`
	ThresholdPercent float64             `json:"threshold_percent"`
	Subscription     *SubscriptionStatus `json:"subscription,omitempty"`
	Coinbase         map[string]string   `json:"coinbase,omitempty"`

	Applied             *preference.AppliedState `json:"applied,omitempty"`
	LastCycle           *CycleSummary            `json:"last_cycle,omitempty"`
	Cycles              map[Outcome]int64        `json:"cycles,omitempty"`
	ConsecutiveFailures int64                    `json:"consecutive_failures"`
}

// Healthy reports whether the daemon is running and its last cycle observed the network.
func (s *StatusFile) Healthy() bool {
	if s.Status != StatusRunning {
		return false
	}
	if s.LastCycle == nil {
		return true
	}
	return s.LastCycle.Outcome != OutcomeSampleFailed
}

// WriteStatus atomically replaces the status file.
func WriteStatus(path string, status *StatusFile) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data, 0o644)
}

// WriteStatusError writes an error status file.
func WriteStatusError(path string, err error) error {
	now := time.Now().UTC()
	return WriteStatus(path, &StatusFile{
		Status:    StatusError,
		PID:       os.Getpid(),
		Error:     err.Error(),
		StartedAt: now,
		UpdatedAt: now,
	})
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decoding status file: %w", err)
	}
	return &status, nil
}

// RemoveStatus removes the status file.
func RemoveStatus(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// StatusReporter keeps the status file current. It is a CycleObserver.
type StatusReporter struct {
	path         string
	subscription func() SubscriptionStatus
	log          *logging.Logger

	mu     sync.Mutex
	status StatusFile
}

// NewStatusReporter creates a reporter writing to path. base carries the
// static fields (node, policy, threshold, coinbase).
func NewStatusReporter(path string, base StatusFile, subscription func() SubscriptionStatus) *StatusReporter {
	now := time.Now().UTC()
	base.PID = os.Getpid()
	base.StartedAt = now
	base.UpdatedAt = now
	base.Cycles = make(map[Outcome]int64)
	return &StatusReporter{
		path:         path,
		subscription: subscription,
		log:          logging.Get("daemon"),
		status:       base,
	}
}

// Path returns the status file location.
func (r *StatusReporter) Path() string {
	return r.path
}

// SetStatus records a lifecycle change and writes the file.
func (r *StatusReporter) SetStatus(status string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Status = status
	r.status.Error = ""
	if err != nil {
		r.status.Error = err.Error()
	}
	r.writeLocked()
}

// CycleDone implements CycleObserver.
func (r *StatusReporter) CycleDone(result CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Cycles[result.Outcome]++
	if result.Applied != nil {
		r.status.Applied = result.Applied.Clone()
	}
	r.status.LastCycle = &CycleSummary{
		ID:        result.ID,
		Finished:  result.Finished.UTC(),
		Duration:  result.Finished.Sub(result.Started),
		Outcome:   result.Outcome,
		Decision:  result.Decision,
		Candidate: result.Candidate,
		Slices:    result.Slices,
		Dropped:   result.Dropped,
		Gap:       result.Gap,
		Error:     result.Error(),
	}
	r.status.ConsecutiveFailures = result.ConsecutiveFailures
	r.writeLocked()
}

// Snapshot returns a copy of the current status.
func (r *StatusReporter) Snapshot() StatusFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.status
	s.Cycles = make(map[Outcome]int64, len(r.status.Cycles))
	for k, v := range r.status.Cycles {
		s.Cycles[k] = v
	}
	return s
}

func (r *StatusReporter) writeLocked() {
	r.status.UpdatedAt = time.Now().UTC()
	if r.subscription != nil {
		sub := r.subscription()
		r.status.Subscription = &sub
	}
	if err := WriteStatus(r.path, &r.status); err != nil {
		r.log.Warn("failed to write status file", "path", r.path, "error", err)
	}
}
