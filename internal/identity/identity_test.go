package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "identity.json"), zap.NewNop())
}

func TestLoadOrCreateMintsOnce(t *testing.T) {
	m := newTestManager(t)

	first, err := m.LoadOrCreate("morphogen", TabulaRasaLineage)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	_, err = uuid.Parse(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "morphogen", first.Name)
	assert.Equal(t, TabulaRasaLineage, first.Lineage)
	assert.False(t, first.GenesisTime.IsZero())

	second, err := m.LoadOrCreate("other-name", "deadbeefdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "existing identity must win")
	assert.Equal(t, "morphogen", second.Name)
}

func TestLineageOf(t *testing.T) {
	assert.Equal(t, TabulaRasaLineage, LineageOf(nil))
	assert.Equal(t, TabulaRasaLineage, LineageOf([]byte{}))

	l := LineageOf([]byte(`{"schema_version":2}`))
	assert.Len(t, l, 16)
	assert.Equal(t, l, LineageOf([]byte(`{"schema_version":2}`)), "deterministic")
	assert.NotEqual(t, l, LineageOf([]byte(`{"schema_version":3}`)))
}

func TestCorruptedFileIsNotReplaced(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.path, []byte("{not json"), 0o644))

	_, err := m.LoadOrCreate("morphogen", TabulaRasaLineage)
	var cerr *CorruptedError
	require.ErrorAs(t, err, &cerr)

	// The corrupted bytes must still be on disk.
	data, err := os.ReadFile(m.path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestMissingIDFieldIsCorrupted(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.path, []byte(`{"name":"x"}`), 0o644))

	_, err := m.Load()
	var cerr *CorruptedError
	assert.ErrorAs(t, err, &cerr)
}

func TestSetName(t *testing.T) {
	m := newTestManager(t)
	created, err := m.LoadOrCreate("morphogen", TabulaRasaLineage)
	require.NoError(t, err)

	renamed, err := m.SetName("prometheus")
	require.NoError(t, err)
	assert.Equal(t, created.ID, renamed.ID)
	assert.Equal(t, "prometheus", renamed.Name)

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "prometheus", loaded.Name)
}

func TestForceRecreateBacksUpAndLinksParent(t *testing.T) {
	m := newTestManager(t)
	old, err := m.LoadOrCreate("morphogen", TabulaRasaLineage)
	require.NoError(t, err)

	fresh, err := m.ForceRecreate("morphogen", "deadbeefdeadbeef")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, old.ID, fresh.ParentID)
	assert.Equal(t, "deadbeefdeadbeef", fresh.Lineage)

	backups, err := filepath.Glob(m.path + ".bak.*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestForceRecreateOverCorruptedFile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.path, []byte("garbage"), 0o644))

	fresh, err := m.ForceRecreate("morphogen", "")
	require.NoError(t, err)
	assert.Empty(t, fresh.ParentID, "unreadable parent leaves no link")
	assert.Equal(t, TabulaRasaLineage, fresh.Lineage)

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, loaded.ID)
}
