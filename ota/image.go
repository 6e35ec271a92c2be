package ota

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
)

// ImageWriter stages one incoming firmware image.
type ImageWriter interface {
	// WriteChunk appends one part. Parts arrive strictly in order.
	WriteChunk(part int, data []byte) error
	// Finalize verifies the staged image against the expected md5 and moves
	// it into the inactive slot, pending validation.
	Finalize(md5hex string) error
	// Abort discards the staged image.
	Abort()
}

// ImageStore is the dual-image storage contract required of the host
// platform: an alternate slot written by OTA, an explicit mark-valid call
// after the node reboots and reaches steady state, and automatic rollback
// when that mark never happens.
type ImageStore interface {
	Begin(jobID string, parts int) (ImageWriter, error)
	// Abandoned lists job IDs with staging data left behind by a crash.
	Abandoned() []string
	// Discard removes abandoned staging data for a job.
	Discard(jobID string)
	// MarkValid confirms the currently booted image, cancelling rollback.
	MarkValid() error
}

// DualSlotStore is a file-backed ImageStore: two image slots under a
// directory, an "active" marker, and per-job staging files.
type DualSlotStore struct {
	dir string
}

// NewDualSlotStore creates the backing directory if needed.
func NewDualSlotStore(dir string) (*DualSlotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("image store: %w", err)
	}
	return &DualSlotStore{dir: dir}, nil
}

func (s *DualSlotStore) stagingPath(jobID string) string {
	return filepath.Join(s.dir, "staging_"+jobID+".bin")
}

func (s *DualSlotStore) activeSlot() string {
	data, err := os.ReadFile(filepath.Join(s.dir, "active"))
	if err != nil || strings.TrimSpace(string(data)) != "b" {
		return "a"
	}
	return "b"
}

func (s *DualSlotStore) inactiveSlot() string {
	if s.activeSlot() == "a" {
		return "b"
	}
	return "a"
}

// Begin opens a staging writer for a job.
func (s *DualSlotStore) Begin(jobID string, parts int) (ImageWriter, error) {
	f, err := os.Create(s.stagingPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("image store: begin %s: %w", jobID, err)
	}
	return &slotWriter{store: s, jobID: jobID, file: f, sum: md5.New()}, nil
}

// Abandoned lists staging files left over from an interrupted transfer.
func (s *DualSlotStore) Abandoned() []string {
	matches, _ := filepath.Glob(filepath.Join(s.dir, "staging_*.bin"))
	var out []string
	for _, m := range matches {
		base := filepath.Base(m)
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(base, "staging_"), ".bin"))
	}
	return out
}

// Discard removes staging data for a job.
func (s *DualSlotStore) Discard(jobID string) {
	os.Remove(s.stagingPath(jobID))
}

// MarkValid flips the active marker to the pending slot and clears the
// pending flag. Called by the host once the new image reaches steady state.
func (s *DualSlotStore) MarkValid() error {
	pendingPath := filepath.Join(s.dir, "pending")
	pending, err := os.ReadFile(pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing staged, already valid
		}
		return fmt.Errorf("image store: read pending: %w", err)
	}
	slot := strings.TrimSpace(string(pending))
	if err := os.WriteFile(filepath.Join(s.dir, "active"), []byte(slot), 0644); err != nil {
		return fmt.Errorf("image store: mark valid: %w", err)
	}
	return os.Remove(pendingPath)
}

// PendingSlot reports whether an image awaits validation.
func (s *DualSlotStore) PendingSlot() (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, "pending"))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

type slotWriter struct {
	store  *DualSlotStore
	jobID  string
	file   *os.File
	sum    hash.Hash
	closed bool
}

func (w *slotWriter) WriteChunk(part int, data []byte) error {
	if w.closed {
		return fmt.Errorf("image store: writer closed")
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("image store: write part %d: %w", part, err)
	}
	w.sum.Write(data)
	return nil
}

func (w *slotWriter) Finalize(md5hex string) error {
	if w.closed {
		return fmt.Errorf("image store: writer closed")
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("image store: close staging: %w", err)
	}

	got := hex.EncodeToString(w.sum.Sum(nil))
	if !strings.EqualFold(got, md5hex) {
		os.Remove(w.store.stagingPath(w.jobID))
		return fmt.Errorf("image store: md5 mismatch: got %s want %s", got, md5hex)
	}

	slot := w.store.inactiveSlot()
	dst := filepath.Join(w.store.dir, "slot_"+slot+".bin")
	if err := os.Rename(w.store.stagingPath(w.jobID), dst); err != nil {
		return fmt.Errorf("image store: install slot %s: %w", slot, err)
	}
	if err := os.WriteFile(filepath.Join(w.store.dir, "pending"), []byte(slot), 0644); err != nil {
		return fmt.Errorf("image store: stage pending: %w", err)
	}
	return nil
}

func (w *slotWriter) Abort() {
	if !w.closed {
		w.closed = true
		w.file.Close()
	}
	os.Remove(w.store.stagingPath(w.jobID))
}

var _ ImageStore = (*DualSlotStore)(nil)
