// Package identity gives each kernel instance a stable identity that
// survives genome resets. The identity file lives next to the genome but
// is never rewritten by the evolution loop; once created it only changes
// through explicit operations.
package identity

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity is the persistent self-description of one kernel instance.
type Identity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	GenesisTime time.Time `json:"genesis_time"`
	// Lineage fingerprints the genome this instance was born from:
	// "tabula-rasa" for a fresh start, otherwise a truncated digest of
	// the inherited genome bytes.
	Lineage  string `json:"lineage"`
	ParentID string `json:"parent_id,omitempty"`
}

// CorruptedError reports an identity file that exists but cannot be
// decoded. Recovery requires ForceRecreate; silently minting a new
// identity would orphan the instance's history.
type CorruptedError struct {
	Path string
	Err  error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("identity file %s is corrupted: %v", e.Path, e.Err)
}

func (e *CorruptedError) Unwrap() error { return e.Err }

// TabulaRasaLineage marks an instance born without an inherited genome.
const TabulaRasaLineage = "tabula-rasa"

// LineageOf fingerprints inherited genome bytes for the lineage field.
func LineageOf(genome []byte) string {
	if len(genome) == 0 {
		return TabulaRasaLineage
	}
	sum := sha256.Sum256(genome)
	return fmt.Sprintf("%x", sum)[:16]
}

// Manager loads and persists the identity file.
type Manager struct {
	path string
	log  *zap.Logger
}

// NewManager creates a manager for the identity file at path.
func NewManager(path string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{path: path, log: log}
}

// LoadOrCreate returns the existing identity, or mints one with the given
// lineage if none exists. A corrupted file is reported, never replaced.
func (m *Manager) LoadOrCreate(name, lineage string) (*Identity, error) {
	id, err := m.Load()
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id = &Identity{
		ID:          uuid.NewString(),
		Name:        name,
		GenesisTime: time.Now().UTC(),
		Lineage:     lineage,
	}
	if id.Lineage == "" {
		id.Lineage = TabulaRasaLineage
	}
	if err := m.save(id); err != nil {
		return nil, err
	}
	m.log.Info("identity created",
		zap.String("id", id.ID), zap.String("lineage", id.Lineage))
	return id, nil
}

// Load reads the identity file. Returns an os.IsNotExist error when the
// file is absent and *CorruptedError when it cannot be decoded.
func (m *Manager) Load() (*Identity, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, &CorruptedError{Path: m.path, Err: err}
	}
	if id.ID == "" {
		return nil, &CorruptedError{Path: m.path, Err: fmt.Errorf("missing id field")}
	}
	return &id, nil
}

// SetName renames the instance, keeping everything else.
func (m *Manager) SetName(name string) (*Identity, error) {
	id, err := m.Load()
	if err != nil {
		return nil, err
	}
	id.Name = name
	if err := m.save(id); err != nil {
		return nil, err
	}
	return id, nil
}

// ForceRecreate backs up whatever is on disk and mints a fresh identity
// whose ParentID points at the previous one when it was readable.
func (m *Manager) ForceRecreate(name, lineage string) (*Identity, error) {
	parentID := ""
	if prev, err := m.Load(); err == nil {
		parentID = prev.ID
	}
	if _, err := os.Stat(m.path); err == nil {
		backup := m.path + ".bak." + time.Now().UTC().Format("20060102T150405")
		if err := os.Rename(m.path, backup); err != nil {
			return nil, fmt.Errorf("backing up identity: %w", err)
		}
		m.log.Warn("previous identity backed up", zap.String("backup", backup))
	}

	id := &Identity{
		ID:          uuid.NewString(),
		Name:        name,
		GenesisTime: time.Now().UTC(),
		Lineage:     lineage,
		ParentID:    parentID,
	}
	if id.Lineage == "" {
		id.Lineage = TabulaRasaLineage
	}
	if err := m.save(id); err != nil {
		return nil, err
	}
	return id, nil
}

func (m *Manager) save(id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("creating temp identity file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("installing identity file: %w", err)
	}
	return nil
}
