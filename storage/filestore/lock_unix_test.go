//go:build unix

package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/storage"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStore_ApplyWaitsForOtherProcessLock(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	// Another process holding the lock.
	f, err := os.OpenFile(filepath.Join(dir, "session.lock"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_EX))

	applied := make(chan error, 1)
	go func() {
		applied <- store.Apply(context.Background(), storage.Batch{Set: map[string]string{"a": "1"}})
	}()

	select {
	case <-applied:
		t.Fatal("apply ran while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_UN))
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("apply did not resume after the lock was released")
	}

	v, ok, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)
}
