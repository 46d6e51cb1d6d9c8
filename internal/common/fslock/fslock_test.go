package fslock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFor(t *testing.T) {
	assert.Equal(t, "/root/state/.tasks.json.lock", PathFor("/root/state/tasks.json"))
	assert.Equal(t, "/a/.events.jsonl.lock", PathFor("/a/events.jsonl"))
}

func TestExclusiveAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".doc.lock")

	release, err := Exclusive(path)
	require.NoError(t, err)
	release()

	// Released locks can be reacquired.
	release, err = Exclusive(path)
	require.NoError(t, err)
	release()
}

func TestSharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".doc.lock")

	first, err := Shared(path)
	require.NoError(t, err)
	second, err := Shared(path)
	require.NoError(t, err)

	first()
	second()
}

func TestTryExclusiveConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".doc.lock")

	held, release, err := TryExclusive(path)
	require.NoError(t, err)
	require.True(t, held)

	// Each acquisition opens its own descriptor, so a second attempt in
	// the same process conflicts like another process would.
	heldAgain, releaseAgain, err := TryExclusive(path)
	require.NoError(t, err)
	assert.False(t, heldAgain)
	releaseAgain()

	release()

	held, release, err = TryExclusive(path)
	require.NoError(t, err)
	assert.True(t, held)
	release()
}
