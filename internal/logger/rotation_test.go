package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFileWriter(t *testing.T) {
	t.Run("opens log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "kbridge.log")

		w, err := OpenFileWriter(logFile, RotationOptions{MaxSizeMB: 10, MaxAgeDays: 7})
		require.NoError(t, err)
		defer w.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("creates parent directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "kbridge.log")

		w, err := OpenFileWriter(logFile, RotationOptions{MaxSizeMB: 10, MaxAgeDays: 7})
		require.NoError(t, err)
		defer w.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
	})
}

func TestFileWriterWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "kbridge.log")

	w, err := OpenFileWriter(logFile, RotationOptions{MaxSizeMB: 1, MaxAgeDays: 7})
	require.NoError(t, err)
	defer w.Close()

	line := []byte("sync cycle complete\n")
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "sync cycle complete")
}

func TestFileWriterRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "kbridge.log")

	// A zero size limit forces rotation on the second write.
	w, err := OpenFileWriter(logFile, RotationOptions{MaxSizeMB: 0, MaxAgeDays: 7})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte(strings.Repeat("a", 64) + "\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("after rotation\n"))
	require.NoError(t, err)

	rotated, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "after rotation\n", string(content))
}

func TestFileWriterClose(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "kbridge.log")

	w, err := OpenFileWriter(logFile, RotationOptions{MaxSizeMB: 10, MaxAgeDays: 7})
	require.NoError(t, err)

	assert.NoError(t, w.Close())
	// Closing twice must not fail.
	assert.NoError(t, w.Close())
}

func TestGzipAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbridge.log.20260101-000000")
	require.NoError(t, os.WriteFile(path, []byte("rotated contents"), 0644))

	require.NoError(t, gzipAndRemove(path))

	_, err := os.Stat(path + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileWriterPrune(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "kbridge.log")

	stale := logFile + ".20200101-120000"
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	staleTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, staleTime, staleTime))

	fresh := logFile + ".20260828-120000"
	require.NoError(t, os.WriteFile(fresh, []byte("recent"), 0644))

	w, err := OpenFileWriter(logFile, RotationOptions{MaxSizeMB: 10, MaxAgeDays: 7})
	require.NoError(t, err)
	defer w.Close()

	w.prune()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
