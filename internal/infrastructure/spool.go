// services/branchops/internal/infrastructure/spool.go
package infrastructure

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/metrics"
	"github.com/google/uuid"
)

// ErrSpoolFull is returned when the spool file has reached its size limit.
var ErrSpoolFull = errors.New("event spool is full")

// SpoolEntry is one line of the spool file.
type SpoolEntry struct {
	ID        string     `json:"id"`
	SpooledAt time.Time  `json:"spooled_at"`
	Attempts  int        `json:"attempts"`
	Event     core.Event `json:"event"`
}

// DrainStats summarizes one replay pass.
type DrainStats struct {
	Sent      int
	Retained  int
	Discarded int
}

// EventSpool is an append-only JSON-lines file holding events the message bus
// did not accept. Draining moves the file aside first, so appends never wait
// on the bus. Entries a drain could not put back stay parked in the moved-aside
// file and are drained first next time.
type EventSpool struct {
	path        string
	file        *os.File
	mu          sync.Mutex
	drainMu     sync.Mutex
	size        int64
	count       int
	parked      int
	maxBytes    int64
	maxAttempts int
	now         func() time.Time
}

// NewEventSpool opens or creates the spool at path. Entries left in a
// half-finished drain stay parked for the next drain.
func NewEventSpool(path string, maxBytes int64, maxAttempts int) (*EventSpool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	s := &EventSpool{
		path:        path,
		maxBytes:    maxBytes,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	if err := s.open(); err != nil {
		return nil, err
	}

	leftover, err := readSpool(s.drainingPath())
	if err != nil {
		s.file.Close()
		return nil, err
	}
	if len(leftover) == 0 {
		if err := os.Remove(s.drainingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.file.Close()
			return nil, fmt.Errorf("failed to remove drained spool: %w", err)
		}
	}

	existing, err := readSpool(path)
	if err != nil {
		s.file.Close()
		return nil, err
	}
	s.count = len(existing)
	s.parked = len(leftover)
	s.report()
	return s, nil
}

func (s *EventSpool) report() {
	metrics.SpooledEvents.Set(float64(s.count + s.parked))
}

func (s *EventSpool) drainingPath() string { return s.path + ".draining" }

func (s *EventSpool) open() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open spool file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat spool file: %w", err)
	}
	s.file = file
	s.size = stat.Size()
	return nil
}

// Append persists event for a later replay.
func (s *EventSpool) Append(event core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(SpoolEntry{
		ID:        uuid.NewString(),
		SpooledAt: s.now().UTC(),
		Event:     event,
	})
}

func (s *EventSpool) write(e SpoolEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal spool entry: %w", err)
	}
	line = append(line, '\n')

	if s.maxBytes > 0 && s.size+int64(len(line)) > s.maxBytes {
		return ErrSpoolFull
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to spool: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}

	s.size += int64(len(line))
	s.count++
	s.report()
	return nil
}

// Entries returns the spooled entries without removing them, parked ones first.
func (s *EventSpool) Entries() ([]SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parked, err := readSpool(s.drainingPath())
	if err != nil {
		return nil, err
	}
	live, err := readSpool(s.path)
	if err != nil {
		return nil, err
	}
	return append(parked, live...), nil
}

// Len returns the number of spooled entries.
func (s *EventSpool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count + s.parked
}

// Drain hands every spooled event to send. Failed events go back to the spool
// with one more attempt recorded, and are discarded after maxAttempts. Events
// that cannot be put back, because the spool filled up meanwhile or ctx ended,
// are parked and drained first on the next call.
func (s *EventSpool) Drain(ctx context.Context, send func(context.Context, core.Event) error) (DrainStats, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	var stats DrainStats
	entries, err := s.detach()
	if err != nil {
		return stats, err
	}
	if len(entries) == 0 {
		// Parked file held only torn lines.
		return stats, s.park(nil)
	}

	var parked []SpoolEntry
	for i, e := range entries {
		if ctx.Err() != nil {
			parked = append(parked, entries[i:]...)
			break
		}

		if err := send(ctx, e.Event); err == nil {
			stats.Sent++
			continue
		}

		e.Attempts++
		if e.Attempts >= s.maxAttempts {
			stats.Discarded++
			continue
		}
		if err := s.keep(e); err != nil {
			parked = append(parked, e)
		}
	}
	stats.Retained = len(entries) - stats.Sent - stats.Discarded

	if err := s.park(parked); err != nil {
		return stats, err
	}
	return stats, nil
}

// detach returns the parked entries if there are any. Otherwise it moves the
// current file aside and starts an empty one.
func (s *EventSpool) detach() ([]SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parked > 0 {
		return readSpool(s.drainingPath())
	}
	if s.count == 0 {
		return nil, nil
	}
	if err := s.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close spool file: %w", err)
	}
	if err := os.Rename(s.path, s.drainingPath()); err != nil {
		return nil, fmt.Errorf("failed to move spool aside: %w", err)
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	s.parked = s.count
	s.count = 0

	return readSpool(s.drainingPath())
}

func (s *EventSpool) keep(e SpoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(e)
}

// park replaces the moved-aside file with entries, or removes it when there
// are none. The file is swapped in whole so a crash leaves either version.
func (s *EventSpool) park(entries []SpoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(entries) == 0 {
		if err := os.Remove(s.drainingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove drained spool: %w", err)
		}
		s.parked = 0
		s.report()
		return nil
	}

	if err := writeSpoolFile(s.drainingPath(), entries); err != nil {
		return err
	}
	s.parked = len(entries)
	s.report()
	return nil
}

// Close syncs and closes the spool file.
func (s *EventSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool before closing: %w", err)
	}
	return s.file.Close()
}

func writeSpoolFile(path string, entries []SpoolEntry) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to marshal spool entry: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync spool file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close spool file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace spool file: %w", err)
	}
	return nil
}

func readSpool(path string) ([]SpoolEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	defer file.Close()
	return decodeSpool(file)
}

func decodeSpool(r io.Reader) ([]SpoolEntry, error) {
	var entries []SpoolEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var e SpoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn final line from a crash mid-write.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	return entries, nil
}
