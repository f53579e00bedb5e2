package serverlock

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T, port int) *Lock {
	t.Helper()
	l, err := New(port, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Remove(l.path) })
	return l
}

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	l := newTestLock(t, 58001)

	require.NoError(t, l.Acquire(AcquireOptions{}))
	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	l.Release()
	_, err = os.Stat(l.path)
	assert.True(t, os.IsNotExist(err), "release must remove the lock file")
}

func TestAcquireReplacesStaleLockFile(t *testing.T) {
	l := newTestLock(t, 58002)

	// A PID that almost certainly does not exist.
	require.NoError(t, os.WriteFile(l.path, []byte("999999"), 0o644))

	require.NoError(t, l.Acquire(AcquireOptions{}))
	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestIsRunningReportsStaleForDeadPID(t *testing.T) {
	l := newTestLock(t, 58003)
	require.NoError(t, os.WriteFile(l.path, []byte("999999"), 0o644))

	running, pid := l.IsRunning()
	assert.False(t, running)
	assert.Equal(t, 999999, pid)
}

func TestIsRunningFalseWhenNoLockFileExists(t *testing.T) {
	l := newTestLock(t, 58004)
	running, pid := l.IsRunning()
	assert.False(t, running)
	assert.Equal(t, 0, pid)
}

func TestReleaseLeavesLockAloneWhenPIDDiffers(t *testing.T) {
	l := newTestLock(t, 58005)
	require.NoError(t, os.WriteFile(l.path, []byte("1"), 0o644))

	l.Release()
	_, err := os.Stat(l.path)
	assert.NoError(t, err, "a lock file stamped with a different pid must survive Release")
}
