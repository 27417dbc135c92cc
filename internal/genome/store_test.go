package genome

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "genome.json"), zap.NewNop())
}

func seedGenome() *Genome {
	g := New()
	g.AddBlueprint("perception.fswatch", "watch the filesystem", nil)
	g.Goals = append(g.Goals, &Goal{
		Description: "must see files",
		Priority:    1,
		Required:    []string{"perception.*"},
		CreatedAt:   time.Now().UTC(),
	})
	return g
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	g := seedGenome()
	g.MarkActive("perception.fswatch")
	g.RecordFailure("memory.journal", FailureGeneration, "no provider", 3)

	require.NoError(t, s.Save(g))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, g.SystemName, loaded.SystemName)
	assert.Equal(t, g.ActiveSet, loaded.ActiveSet)
	require.Len(t, loaded.Failures, 1)
	assert.Equal(t, g.Failures[0].Kind, loaded.Failures[0].Kind)
	assert.Equal(t, g.Failures[0].AttemptCount, loaded.Failures[0].AttemptCount)
	require.Contains(t, loaded.Blueprints, "perception.fswatch")
	assert.Equal(t, 1, loaded.Blueprints["perception.fswatch"].Version)
	require.Len(t, loaded.Goals, 1)
	assert.Equal(t, g.Goals[0].Required, loaded.Goals[0].Required)
}

func TestLoadMissingFile(t *testing.T) {
	s := testStore(t)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadFailsClosedOnBitFlip(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(seedGenome()))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(s.Path(), raw, 0o644))

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestLoadFailsClosedOnMissingDigest(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(seedGenome()))
	require.NoError(t, os.Remove(s.DigestPath()))

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestLoadCorruptedJSON(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(seedGenome()))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))
	require.NoError(t, s.Rebless()) // digest matches, but the document is broken

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestReblessAfterExternalEdit(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(seedGenome()))

	// Simulate a deliberate operator edit: extra whitespace keeps the
	// document valid but changes the exact bytes the digest covers.
	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), append(raw, '\n'), 0o644))

	_, err = s.Load()
	require.Error(t, err)

	require.NoError(t, s.Rebless())
	_, err = s.Load()
	assert.NoError(t, err)
}

func TestLoadOrCreateSeedsGoals(t *testing.T) {
	s := testStore(t)
	g, err := s.LoadOrCreate([]*Goal{{Description: "must see files", Required: []string{"perception.*"}}})
	require.NoError(t, err)
	require.Len(t, g.Goals, 1)
	assert.False(t, g.Goals[0].Satisfied)

	// Second call loads the persisted copy instead of reseeding.
	again, err := s.LoadOrCreate(nil)
	require.NoError(t, err)
	assert.Len(t, again.Goals, 1)
}

func TestLoadOrCreateDoesNotMaskTamper(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(seedGenome()))
	require.NoError(t, os.Remove(s.DigestPath()))

	_, err := s.LoadOrCreate(nil)
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestBackupsArePrunedOldestFirst(t *testing.T) {
	s := testStore(t)
	s.maxBackups = 3
	g := seedGenome()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Save(g))
	}
	backups := s.ListBackups()
	assert.LessOrEqual(t, len(backups), 3)
}

func TestOnChangeListeners(t *testing.T) {
	s := testStore(t)
	calls := 0
	unsub := s.OnChange(func(*Genome) { calls++ })
	require.NoError(t, s.Save(seedGenome()))
	assert.Equal(t, 1, calls)

	unsub()
	require.NoError(t, s.Save(seedGenome()))
	assert.Equal(t, 1, calls)
}

func TestResetRemovesEverything(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(seedGenome()))
	require.NoError(t, s.Reset())
	_, err := s.Load()
	assert.True(t, errors.Is(err, ErrNotFound))
}
