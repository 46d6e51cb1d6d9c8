package mcpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebugWindowDisabledByDefault(t *testing.T) {
	w := newDebugWindow()

	status := w.Status()
	assert.False(t, status.Enabled)
	assert.False(t, w.consume())
}

func TestDebugWindowEnableDefaultsAndClamps(t *testing.T) {
	w := newDebugWindow()

	status := w.Enable(0, 0)
	assert.True(t, status.Enabled)
	assert.Equal(t, debugDefaultMaxCalls, status.RemainingCalls)
	assert.LessOrEqual(t, status.RemainingSeconds, debugDefaultDurationSeconds)
	assert.Greater(t, status.RemainingSeconds, debugDefaultDurationSeconds-5)

	status = w.Enable(999999, 999999)
	assert.Equal(t, debugMaxCalls, status.RemainingCalls)
	assert.LessOrEqual(t, status.RemainingSeconds, debugMaxDurationSeconds)
}

func TestDebugWindowConsumesCallBudget(t *testing.T) {
	w := newDebugWindow()
	w.Enable(60, 2)

	assert.True(t, w.consume())
	assert.True(t, w.consume())
	// Budget exhausted.
	assert.False(t, w.consume())
	assert.False(t, w.Status().Enabled)
}

func TestDebugWindowStatusDoesNotConsume(t *testing.T) {
	w := newDebugWindow()
	w.Enable(60, 5)

	for i := 0; i < 10; i++ {
		assert.True(t, w.Status().Enabled)
	}
	assert.Equal(t, 5, w.Status().RemainingCalls)
}

func TestDebugWindowExpires(t *testing.T) {
	w := newDebugWindow()
	w.Enable(60, 10)
	// Force expiry instead of sleeping.
	w.mu.Lock()
	w.expiresAt = time.Now().Add(-time.Second)
	w.mu.Unlock()

	assert.False(t, w.Status().Enabled)
	assert.False(t, w.consume())
}

func TestDebugWindowReEnableResetsBudget(t *testing.T) {
	w := newDebugWindow()
	w.Enable(60, 1)
	assert.True(t, w.consume())
	assert.False(t, w.consume())

	status := w.Enable(60, 3)
	assert.True(t, status.Enabled)
	assert.Equal(t, 3, status.RemainingCalls)
	assert.True(t, w.consume())
}
