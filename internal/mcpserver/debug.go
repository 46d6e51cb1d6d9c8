package mcpserver

import (
	"sync"
	"time"
)

// Debug window defaults and hard caps. A window closes on whichever
// bound is hit first.
const (
	debugDefaultDurationSeconds = 300
	debugDefaultMaxCalls        = 200
	debugMaxDurationSeconds     = 3600
	debugMaxCalls               = 2000
)

// debugWindow is a bounded period during which every tool call is
// traced at debug level with full request and response JSON.
type debugWindow struct {
	mu             sync.Mutex
	enabled        bool
	expiresAt      time.Time
	remainingCalls int
}

func newDebugWindow() *debugWindow {
	return &debugWindow{}
}

// debugStatus is the answer of orchestrator_debug_logging_status.
type debugStatus struct {
	Enabled          bool   `json:"enabled"`
	RemainingSeconds int    `json:"remaining_seconds"`
	RemainingCalls   int    `json:"remaining_calls"`
	ExpiresAt        string `json:"expires_at,omitempty"`
}

// Enable opens (or re-opens) the window. Non-positive inputs fall back
// to the defaults; inputs beyond the caps are clamped.
func (w *debugWindow) Enable(durationSeconds, maxCalls int) debugStatus {
	if durationSeconds <= 0 {
		durationSeconds = debugDefaultDurationSeconds
	}
	if durationSeconds > debugMaxDurationSeconds {
		durationSeconds = debugMaxDurationSeconds
	}
	if maxCalls <= 0 {
		maxCalls = debugDefaultMaxCalls
	}
	if maxCalls > debugMaxCalls {
		maxCalls = debugMaxCalls
	}

	w.mu.Lock()
	w.enabled = true
	w.expiresAt = time.Now().Add(time.Duration(durationSeconds) * time.Second)
	w.remainingCalls = maxCalls
	w.mu.Unlock()

	return w.Status()
}

// Status reports the current window without consuming a call.
func (w *debugWindow) Status() debugStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked(time.Now())
	if !w.enabled {
		return debugStatus{}
	}
	remaining := int(time.Until(w.expiresAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return debugStatus{
		Enabled:          true,
		RemainingSeconds: remaining,
		RemainingCalls:   w.remainingCalls,
		ExpiresAt:        w.expiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// consume reports whether the current call should be traced, spending
// one call from the window's budget when it is.
func (w *debugWindow) consume() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked(time.Now())
	if !w.enabled {
		return false
	}
	w.remainingCalls--
	if w.remainingCalls <= 0 {
		w.enabled = false
	}
	return true
}

func (w *debugWindow) expireLocked(now time.Time) {
	if w.enabled && now.After(w.expiresAt) {
		w.enabled = false
	}
}
