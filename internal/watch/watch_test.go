package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunSignalsOnDatabaseWrites(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hints := make(chan struct{}, 16)
	done := make(chan error, 1)
	w := Watcher{Dir: dir, Prefix: "phasegate.db", Debounce: 20 * time.Millisecond}
	go func() {
		done <- w.Run(ctx, func() { hints <- struct{}{} })
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "phasegate.db-wal"), []byte{byte(i)}, 0o644))
	}

	select {
	case <-hints:
	case <-time.After(5 * time.Second):
		t.Fatal("no change hint received")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunFailsOnMissingDir(t *testing.T) {
	w := Watcher{Dir: filepath.Join(t.TempDir(), "missing"), Prefix: "phasegate.db"}
	require.Error(t, w.Run(context.Background(), func() {}))
}
