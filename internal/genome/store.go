package genome

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Load failure modes. The store fails closed: a genome that cannot be
// proven intact is never returned.
var (
	ErrNotFound       = errors.New("genome file not found")
	ErrCorrupted      = errors.New("genome file corrupted")
	ErrTamperDetected = errors.New("genome integrity digest mismatch")
)

const (
	digestSuffix   = ".sha256"
	backupDirName  = ".genome_backups"
	defaultBackups = 10
)

// Store is the persistence layer for the genome.
//
// Saves are atomic (write-temp then rename), preceded by a timestamped
// backup of the prior file, and followed by recomputing the companion
// integrity digest. Loads verify the digest against the exact serialized
// bytes and fail closed on mismatch.
type Store struct {
	path       string
	backupDir  string
	maxBackups int
	log        *zap.Logger

	mu        sync.Mutex
	listeners []func(*Genome)
}

// NewStore creates a store for the genome document at path. Backups are
// kept next to it under .genome_backups.
func NewStore(path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		path:       path,
		backupDir:  filepath.Join(filepath.Dir(path), backupDirName),
		maxBackups: defaultBackups,
		log:        log,
	}
}

// Path returns the genome document location.
func (s *Store) Path() string { return s.path }

// DigestPath returns the companion digest file location.
func (s *Store) DigestPath() string { return s.path + digestSuffix }

// OnChange registers a listener invoked after every successful save.
// The returned function removes the listener.
func (s *Store) OnChange(fn func(*Genome)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

// Load reads, verifies, and decodes the genome.
func (s *Store) Load() (*Genome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Genome, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("reading genome: %w", err)
	}

	if err := s.verifyDigest(raw); err != nil {
		return nil, err
	}

	var g Genome
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if g.Blueprints == nil {
		g.Blueprints = make(map[string]*Blueprint)
	}
	return &g, nil
}

func (s *Store) verifyDigest(raw []byte) error {
	want, err := os.ReadFile(s.DigestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: digest file missing", ErrTamperDetected)
		}
		return fmt.Errorf("reading genome digest: %w", err)
	}
	got := sha256.Sum256(raw)
	if strings.TrimSpace(string(want)) != hex.EncodeToString(got[:]) {
		return fmt.Errorf("%w: %s", ErrTamperDetected, s.path)
	}
	return nil
}

// Save persists the genome atomically: backup the prior file, write the
// new serialization to a temp file, rename it into place, then write the
// recomputed digest. Registered listeners are notified last.
func (s *Store) Save(g *Genome) error {
	s.mu.Lock()
	g.Metadata.LastModified = time.Now().UTC()
	raw, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encoding genome: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := s.backupLocked(); err != nil {
			s.log.Warn("genome backup failed", zap.Error(err))
		}
	}

	if err := s.writeAtomic(s.path, raw, 0o644); err != nil {
		s.mu.Unlock()
		return err
	}
	sum := sha256.Sum256(raw)
	if err := s.writeAtomic(s.DigestPath(), []byte(hex.EncodeToString(sum[:])+"\n"), 0o644); err != nil {
		s.mu.Unlock()
		return err
	}

	listeners := make([]func(*Genome), 0, len(s.listeners))
	for _, fn := range s.listeners {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(g)
	}
	return nil
}

// writeAtomic never exposes a partially written file to a concurrent
// reader: content lands in a temp file in the same directory and is
// renamed into place.
func (s *Store) writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating genome dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

func (s *Store) backupLocked() error {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().Format("20060102_150405.000000000")
	name := fmt.Sprintf("genome_%s.json", strings.ReplaceAll(stamp, ".", "_"))
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0o644); err != nil {
		return err
	}
	return s.pruneBackupsLocked()
}

// pruneBackupsLocked drops the oldest backups beyond maxBackups.
func (s *Store) pruneBackupsLocked() error {
	entries, err := filepath.Glob(filepath.Join(s.backupDir, "genome_*.json"))
	if err != nil {
		return err
	}
	sort.Strings(entries)
	for len(entries) > s.maxBackups {
		oldest := entries[0]
		entries = entries[1:]
		if err := os.Remove(oldest); err != nil {
			return err
		}
		s.log.Debug("pruned genome backup", zap.String("file", oldest))
	}
	return nil
}

// ListBackups returns available backups, newest first.
func (s *Store) ListBackups() []string {
	entries, _ := filepath.Glob(filepath.Join(s.backupDir, "genome_*.json"))
	sort.Sort(sort.Reverse(sort.StringSlice(entries)))
	return entries
}

// LoadOrCreate loads the genome, creating a tabula rasa with the seed
// goals when no file exists yet. Corruption and tampering still fail.
func (s *Store) LoadOrCreate(seedGoals []*Goal) (*Genome, error) {
	g, err := s.Load()
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	s.log.Info("creating fresh genome (tabula rasa)", zap.String("path", s.path))
	g = TabulaRasa(seedGoals)
	if err := s.Save(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Rebless recomputes and persists the integrity digest for the current
// genome bytes. This is an explicit administrative operation used after a
// deliberate external edit; it is never invoked automatically.
func (s *Store) Rebless() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return fmt.Errorf("reading genome: %w", err)
	}
	var g Genome
	if err := json.Unmarshal(raw, &g); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	sum := sha256.Sum256(raw)
	if err := s.writeAtomic(s.DigestPath(), []byte(hex.EncodeToString(sum[:])+"\n"), 0o644); err != nil {
		return err
	}
	s.log.Warn("genome digest re-blessed", zap.String("path", s.path))
	return nil
}

// Reset deletes the genome document, its digest, and backups. Explicit
// administrative operation only.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.DigestPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(s.backupDir)
}
