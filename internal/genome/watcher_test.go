package genome

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type editRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *editRecorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *editRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func TestWatcherDetectsExternalEdit(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "genome.json"), zap.NewNop())
	require.NoError(t, store.Save(New()))

	rec := &editRecorder{}
	w := NewWatcher(store, rec.record, zap.NewNop())
	require.NoError(t, w.Start())
	defer w.Stop()

	// Simulate a hand edit outside the store.
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"schema":2}`), 0o644))

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The watcher only detects; the digest still fails the next load.
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestWatcherSuppressesOwnSaves(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "genome.json"), zap.NewNop())
	require.NoError(t, store.Save(New()))

	rec := &editRecorder{}
	w := NewWatcher(store, rec.record, zap.NewNop())
	require.NoError(t, w.Start())
	defer w.Stop()

	g, err := store.Load()
	require.NoError(t, err)
	require.NoError(t, store.Save(g))

	time.Sleep(700 * time.Millisecond)
	assert.Zero(t, rec.count(), "the store's own save must not look like an external edit")
}

func TestWatcherStopRemovesSuppressionListener(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "genome.json"), zap.NewNop())
	require.NoError(t, store.Save(New()))

	w := NewWatcher(store, nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Start())
		w.Stop()
	}

	store.mu.Lock()
	live := 0
	for _, fn := range store.listeners {
		if fn != nil {
			live++
		}
	}
	store.mu.Unlock()
	assert.Zero(t, live, "each cycle must remove its suppression listener")
}

func TestWatcherStartStopIdempotent(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "genome.json"), zap.NewNop())
	w := NewWatcher(store, nil, zap.NewNop())

	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
