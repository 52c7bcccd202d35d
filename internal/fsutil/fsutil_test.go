package fsutil_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/codepulse/internal/fsutil"
)

func TestWriteFileReplacesContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	require.NoError(t, fsutil.WriteFile(path, []byte("first")))
	require.NoError(t, fsutil.WriteFile(path, []byte("second")))

	got, err := fsutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	got, err := fsutil.ReadFile(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteFileErrorIsPersistError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "data.json")

	err := fsutil.WriteFile(path, []byte("x"))
	require.Error(t, err)

	var perr *fsutil.PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "write", perr.Op)
	assert.Equal(t, path, perr.Path)
}

func TestRemoveMissingIsNoop(t *testing.T) {
	require.NoError(t, fsutil.Remove(filepath.Join(t.TempDir(), "absent")))
}

func TestLockerSerializesReadModifyWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counter")
	l := fsutil.NewLocker(path)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(ctx, func() error {
				data, err := fsutil.ReadFile(path)
				if err != nil {
					return err
				}
				return fsutil.WriteFile(path, append(data, 'x'))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, n)
}

func TestLockerHonorsCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked")
	holder := fsutil.NewLocker(path)
	other := fsutil.NewLocker(path)

	ctx, cancel := context.WithCancel(context.Background())
	called := false

	err := holder.Do(context.Background(), func() error {
		cancel()
		return other.Do(ctx, func() error {
			called = true
			return nil
		})
	})

	require.Error(t, err)
	assert.False(t, called)
	var perr *fsutil.PersistError
	assert.True(t, errors.As(err, &perr))
}

func TestLockerCreatesMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "data.json")
	l := fsutil.NewLocker(path)

	err := l.Do(context.Background(), func() error {
		return fsutil.WriteFile(path, []byte("{}"))
	})
	require.NoError(t, err)

	got, err := fsutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}
