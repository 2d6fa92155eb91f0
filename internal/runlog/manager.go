package runlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	stdoutSuffix = ".stdout.log"
	stderrSuffix = ".stderr.log"
)

// Manager handles persistent per-attempt stdout/stderr log files and
// their retention. It satisfies the orchestrator's LogOpener.
type Manager struct {
	baseDir           string
	maxBytesPerStream int64
	retentionDays     int
	maxTotalBytes     int64
}

// NewManager creates a new attempt log manager.
func NewManager(baseDir string, maxBytesPerStream int64, retentionDays int, maxTotalBytes int64) *Manager {
	return &Manager{
		baseDir:           baseDir,
		maxBytesPerStream: maxBytesPerStream,
		retentionDays:     retentionDays,
		maxTotalBytes:     maxTotalBytes,
	}
}

// BaseDir returns the base log directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Paths returns stdout/stderr log file paths for one attempt of a job.
func (m *Manager) Paths(jobName, runID string, attempt int) (string, string) {
	safeJob := sanitizeSegment(jobName)
	dir := filepath.Join(m.baseDir, safeJob)
	base := fmt.Sprintf("%s_%d", runID, attempt)
	return filepath.Join(dir, base+stdoutSuffix), filepath.Join(dir, base+stderrSuffix)
}

// OpenAttempt opens capped stdout/stderr writers for one attempt.
func (m *Manager) OpenAttempt(jobName, runID string, attempt int) (io.Writer, io.Writer, io.Closer, error) {
	stdoutPath, stderrPath := m.Paths(jobName, runID, attempt)
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0755); err != nil {
		return nil, nil, nil, err
	}

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, nil, nil, err
	}
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		_ = stdoutFile.Close()
		return nil, nil, nil, err
	}

	w := &AttemptWriters{
		Stdout: NewCappedFileWriter(stdoutFile, m.maxBytesPerStream),
		Stderr: NewCappedFileWriter(stderrFile, m.maxBytesPerStream),
	}
	return w.Stdout, w.Stderr, w, nil
}

// Cleanup removes old logs and enforces a maximum total log size.
func (m *Manager) Cleanup() error {
	cutoff := time.Now().AddDate(0, 0, -m.retentionDays)

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}

	var files []fileInfo

	err := filepath.WalkDir(m.baseDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, stdoutSuffix) && !strings.HasSuffix(path, stderrSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			return nil
		}

		files = append(files, fileInfo{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if m.maxTotalBytes <= 0 {
		return nil
	}

	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= m.maxTotalBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if total <= m.maxTotalBytes {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			continue
		}
		total -= f.size
	}

	return nil
}

// AttemptWriters holds stdout/stderr writers for one attempt.
type AttemptWriters struct {
	Stdout *CappedFileWriter
	Stderr *CappedFileWriter
}

// Close closes both writers.
func (w *AttemptWriters) Close() error {
	var firstErr error
	if w.Stdout != nil {
		if err := w.Stdout.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.Stderr != nil {
		if err := w.Stderr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CappedFileWriter writes to a file up to maxBytes, then discards new bytes.
type CappedFileWriter struct {
	file      *os.File
	maxBytes  int64
	written   int64
	truncated bool
}

// NewCappedFileWriter creates a capped writer.
func NewCappedFileWriter(file *os.File, maxBytes int64) *CappedFileWriter {
	return &CappedFileWriter{
		file:     file,
		maxBytes: maxBytes,
	}
}

// Write stores as much as allowed, discarding excess bytes while reporting success.
func (w *CappedFileWriter) Write(p []byte) (int, error) {
	if w.maxBytes <= 0 {
		w.truncated = true
		return len(p), nil
	}

	remaining := w.maxBytes - w.written
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}

	toWrite := p
	if int64(len(p)) > remaining {
		toWrite = p[:remaining]
		w.truncated = true
	}

	n, err := w.file.Write(toWrite)
	if err != nil {
		// Ignore file write errors so job execution does not fail on log storage issues.
		return len(p), nil
	}
	w.written += int64(n)
	return len(p), nil
}

// Close closes the underlying file.
func (w *CappedFileWriter) Close() error {
	return w.file.Close()
}

// WrittenBytes returns the number of bytes persisted.
func (w *CappedFileWriter) WrittenBytes() int64 {
	return w.written
}

// Truncated reports whether content exceeded maxBytes.
func (w *CappedFileWriter) Truncated() bool {
	return w.truncated
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, ch := range value {
		isLower := ch >= 'a' && ch <= 'z'
		isUpper := ch >= 'A' && ch <= 'Z'
		isDigit := ch >= '0' && ch <= '9'
		if isLower || isUpper || isDigit || ch == '-' || ch == '_' || ch == '.' {
			b.WriteRune(ch)
			continue
		}
		b.WriteByte('_')
	}
	result := strings.Trim(b.String(), "._")
	if result == "" {
		return "unknown"
	}
	return result
}
