package backend

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hivetrap/hivetrap/classify"

	"github.com/spf13/afero"
)

// SpoolFile is the name of the offline attack store inside the log directory.
const SpoolFile = "offline_attacks.json"

// SpoolEntry is one persisted attack record. Throttled marks records that
// were suppressed by the admission gate but kept for the operator.
type SpoolEntry struct {
	classify.Attack
	StoredAt      time.Time `json:"stored_at"`
	PendingUpload bool      `json:"pending_upload"`
	Throttled     bool      `json:"throttled,omitempty"`
}

// Spool is the persistent queue of records awaiting (re)transmission. It is
// a single JSON array on disk, loaded and rewritten whole under a file-level
// lock. Volumes are small, a honeypot that cannot reach its backend stores
// at most a few thousand records an hour.
type Spool struct {
	mu   sync.Mutex
	afs  afero.Fs
	path string
}

func NewSpool(afs afero.Fs, logDir string) *Spool {
	return &Spool{
		afs:  afs,
		path: filepath.Join(logDir, SpoolFile),
	}
}

// Path returns the location of the spool file
func (s *Spool) Path() string {
	return s.path
}

// Clear empties the spool. Called on process start so that stale records
// from before a long downtime are not replayed.
func (s *Spool) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewrite([]SpoolEntry{})
}

// Append stores one attack record. Undelivered reports are marked pending so
// the replay pass picks them up. Throttled records were suppressed on purpose
// and are stored for the operator only, never uploaded.
func (s *Spool) Append(attack classify.Attack, throttled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	entries = append(entries, SpoolEntry{
		Attack:        attack,
		StoredAt:      time.Now(),
		PendingUpload: !throttled,
		Throttled:     throttled,
	})

	return s.rewrite(entries)
}

// All returns every stored entry in insertion order.
func (s *Spool) All() ([]SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Pending returns the entries still awaiting upload, in insertion order.
func (s *Spool) Pending() ([]SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	pending := make([]SpoolEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.PendingUpload {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// Replace rewrites the spool with the given entries, dropping everything
// else. Used by the replay pass to keep only the records that are still
// pending.
func (s *Spool) Replace(entries []SpoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewrite(entries)
}

// Stats reports how many entries are stored and how many still await upload.
func (s *Spool) Stats() (total int, pending int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		if entry.PendingUpload {
			pending++
		}
	}
	return len(entries), pending, nil
}

func (s *Spool) load() ([]SpoolEntry, error) {
	exists, err := afero.Exists(s.afs, s.path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []SpoolEntry{}, nil
	}

	contents, err := afero.ReadFile(s.afs, s.path)
	if err != nil {
		return nil, fmt.Errorf("unable to read spool file %s: %w", s.path, err)
	}
	if len(contents) == 0 {
		return []SpoolEntry{}, nil
	}

	var entries []SpoolEntry
	if err := json.Unmarshal(contents, &entries); err != nil {
		return nil, fmt.Errorf("unable to parse spool file %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Spool) rewrite(entries []SpoolEntry) error {
	if err := s.afs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	contents, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	if err := afero.WriteFile(s.afs, s.path, contents, 0o644); err != nil {
		return fmt.Errorf("unable to write spool file %s: %w", s.path, err)
	}
	return nil
}
