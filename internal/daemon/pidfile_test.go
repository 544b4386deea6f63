package daemon

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteAndRead(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "run", "serve.pid"))

	require.NoError(t, pf.Write(Info{PID: 12345, Addr: "127.0.0.1:8420"}))

	info, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, Info{PID: 12345, Addr: "127.0.0.1:8420"}, info)
}

func TestPIDFile_Read_PIDOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	require.NoError(t, os.WriteFile(path, []byte("42\n"), 0o644))

	info, err := NewPIDFile(path).Read()
	require.NoError(t, err)
	assert.Equal(t, 42, info.PID)
	assert.Empty(t, info.Addr)
}

func TestPIDFile_Read_MissingFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid"))

	_, err := pf.Read()
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestPIDFile_Read_InvalidContent(t *testing.T) {
	for name, content := range map[string]string{
		"text":     "not-a-number\n",
		"empty":    "",
		"negative": "-3\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.pid")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err := NewPIDFile(path).Read()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid PID file content")
		})
	}
}

func TestPIDFile_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	pf := NewPIDFile(path)

	require.NoError(t, pf.Acquire(":8420"))
	info, running := pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, ":8420", info.Addr)

	// Re-acquiring from the owning process is allowed.
	require.NoError(t, pf.Acquire(":9000"))

	require.NoError(t, pf.Release())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing a missing file is a no-op.
	assert.NoError(t, pf.Release())
}

func TestPIDFile_Acquire_StaleFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))
	// A very high PID that almost certainly doesn't exist.
	require.NoError(t, pf.Write(Info{PID: 999999, Addr: ":1"}))

	require.NoError(t, pf.Acquire(":8420"))
	info, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestPIDFile_Acquire_LiveOwner(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))
	// The parent process is alive and is not us.
	require.NoError(t, pf.Write(Info{PID: os.Getppid(), Addr: ":8420"}))

	err := pf.Acquire(":9000")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPIDFile_Release_OtherOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	pf := NewPIDFile(path)
	require.NoError(t, pf.Write(Info{PID: os.Getppid()}))

	require.NoError(t, pf.Release())
	_, err := os.Stat(path)
	assert.NoError(t, err, "file owned by another process is kept")
}

func TestPIDFile_IsRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))

	info, running := pf.IsRunning()
	assert.Equal(t, 0, info.PID)
	assert.False(t, running)

	require.NoError(t, pf.Write(Info{PID: 999999}))
	info, running = pf.IsRunning()
	assert.Equal(t, 999999, info.PID)
	assert.False(t, running)
}

func TestPIDFile_Stop_DeadProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	pf := NewPIDFile(path)
	require.NoError(t, pf.Write(Info{PID: 999999}))

	err := pf.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "stale file is cleaned up")
}

func TestPIDFile_Stop_NoFile(t *testing.T) {
	err := NewPIDFile(filepath.Join(t.TempDir(), "none.pid")).Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")
}
