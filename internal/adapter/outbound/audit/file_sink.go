// Package audit provides the persistence sinks for the audit trail: a JSON
// Lines file store with daily and size-based rotation, and an optional
// SQLite store.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mcpower-security/mcpower/internal/domain/audit"
)

// auditFilePattern matches audit log filenames:
// audit-YYYY-MM-DD.log or audit-YYYY-MM-DD-N.log
var auditFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// FileConfig holds configuration for the JSONL sink.
type FileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// RetentionDays is the number of days to keep audit files (default 7).
	RetentionDays int
	// MaxFileSizeMB is the size cap before suffix rotation (default 100).
	MaxFileSizeMB int
}

// FileSink appends events as JSON Lines with daily rotation, size rotation
// and boot-time retention cleanup.
type FileSink struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	logger        *slog.Logger

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool
}

var _ audit.Sink = (*FileSink)(nil)

// NewFileSink creates the directory with restricted permissions, opens
// today's file and removes files past retention.
func NewFileSink(cfg FileConfig, logger *slog.Logger) (*FileSink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileSink{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
	}
	if err := s.openCurrentFile(time.Now().UTC().Format("2006-01-02")); err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	s.runCleanup()
	return s, nil
}

// Write appends one event as a JSON line, rotating by date and size.
func (s *FileSink) Write(event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audit file sink closed")
	}

	dateStr := time.Now().UTC().Format("2006-01-02")
	if dateStr != s.currentDate {
		if err := s.rotateLocked(dateStr, 0); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if s.currentSize >= s.maxFileSize {
		if err := s.rotateLocked(s.currentDate, s.currentSuffix+1); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')
	n, err := s.currentFile.Write(line)
	if err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	s.currentSize += int64(n)
	return nil
}

// Close syncs and closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

func (s *FileSink) openCurrentFile(dateStr string) error {
	return s.rotateLocked(dateStr, s.findHighestSuffix(dateStr))
}

func (s *FileSink) rotateLocked(dateStr string, suffix int) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	name := fmt.Sprintf("audit-%s.log", dateStr)
	if suffix > 0 {
		name = fmt.Sprintf("audit-%s-%d.log", dateStr, suffix)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}

	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = info.Size()
	s.currentSuffix = suffix
	return nil
}

// findHighestSuffix returns the highest existing suffix for a date.
func (s *FileSink) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		matches := auditFilePattern.FindStringSubmatch(e.Name())
		if matches == nil || matches[1] != dateStr {
			continue
		}
		if matches[2] == "" {
			continue
		}
		if n, err := strconv.Atoi(matches[2]); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// runCleanup removes audit files older than the retention window.
func (s *FileSink) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("audit retention scan failed", "error", err)
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).Format("2006-01-02")

	var names []string
	for _, e := range entries {
		matches := auditFilePattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		if matches[1] < cutoff {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("audit retention delete failed", "file", name, "error", err)
		}
	}
}
