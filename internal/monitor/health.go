package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vncd/server/internal/server"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// DefaultThreshold is the number of consecutive failed connection cycles
// after which a display is reported degraded.
const DefaultThreshold = 3

// DisplayHealth is the reported health of one display.
type DisplayHealth struct {
	Display             int          `json:"display"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	Cycles              uint64       `json:"cycles"`
	StopFailures        int          `json:"stopFailures"`
	LastStage           string       `json:"lastStage,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
	LastFailure         *time.Time   `json:"lastFailure,omitempty"`
}

// displayHealth tracks consecutive failure counts for a single display.
type displayHealth struct {
	failures          int
	cycles            uint64
	stopFailures      int
	lastStage         string
	lastErr           string
	lastFail          time.Time
	exited            bool
	lastEmittedStatus HealthStatus
}

func (h *displayHealth) status(threshold int) HealthStatus {
	if h.exited {
		return StatusFailed
	}
	if h.failures >= threshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// Health records connection cycle outcomes reported by the driver loop.
// It is safe for concurrent use.
type Health struct {
	mu        sync.Mutex
	threshold int
	displays  map[int]*displayHealth
	onChange  func(DisplayHealth)
}

func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Health{
		threshold: threshold,
		displays:  make(map[int]*displayHealth),
	}
}

// SetOnChange installs a callback run whenever a display's status changes.
// It is called without the lock held.
func (h *Health) SetOnChange(fn func(DisplayHealth)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

func (h *Health) CycleEnded(display int, err error) {
	h.update(display, func(d *displayHealth) {
		d.cycles++
		if err == nil {
			d.failures = 0
			return
		}
		d.failures++
		d.lastErr = err.Error()
		d.lastFail = time.Now()
		var se *server.StageError
		if errors.As(err, &se) {
			d.lastStage = string(se.Stage)
		}
	})
}

func (h *Health) StopFailed(display int, err error) {
	h.update(display, func(d *displayHealth) {
		d.stopFailures++
		d.lastErr = err.Error()
		d.lastFail = time.Now()
	})
}

// DisplayExited marks a display failed when its loop ended with a fatal
// error. Cancellation is a normal exit.
func (h *Health) DisplayExited(display int, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	h.update(display, func(d *displayHealth) {
		d.exited = true
		d.lastErr = err.Error()
		d.lastFail = time.Now()
	})
}

func (h *Health) update(display int, fn func(*displayHealth)) {
	h.mu.Lock()
	d, ok := h.displays[display]
	if !ok {
		d = &displayHealth{lastEmittedStatus: StatusHealthy}
		h.displays[display] = d
	}
	fn(d)
	var (
		notify  func(DisplayHealth)
		current DisplayHealth
	)
	if status := d.status(h.threshold); status != d.lastEmittedStatus {
		d.lastEmittedStatus = status
		notify = h.onChange
		current = h.snapshotLocked(display, d)
	}
	h.mu.Unlock()

	if notify != nil {
		notify(current)
	}
}

// Status returns the health of display; unknown displays are healthy.
func (h *Health) Status(display int) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.displays[display]; ok {
		return d.status(h.threshold)
	}
	return StatusHealthy
}

// Snapshot returns the health of every display that has reported, ordered
// by display.
func (h *Health) Snapshot() []DisplayHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DisplayHealth, 0, len(h.displays))
	for n, d := range h.displays {
		out = append(out, h.snapshotLocked(n, d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Display < out[j].Display })
	return out
}

// snapshotLocked copies d. Caller must hold h.mu.
func (h *Health) snapshotLocked(display int, d *displayHealth) DisplayHealth {
	dh := DisplayHealth{
		Display:             display,
		Status:              d.status(h.threshold),
		ConsecutiveFailures: d.failures,
		Cycles:              d.cycles,
		StopFailures:        d.stopFailures,
		LastStage:           d.lastStage,
		LastError:           d.lastErr,
	}
	if !d.lastFail.IsZero() {
		t := d.lastFail
		dh.LastFailure = &t
	}
	return dh
}
