package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenAttemptWritesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewManager(dir, 1024, 7, 0)

	stdout, stderr, closer, err := m.OpenAttempt("media", "RUN1", 2)
	if err != nil {
		t.Fatalf("OpenAttempt: %v", err)
	}
	if _, err := stdout.Write([]byte("to stdout")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	if _, err := stderr.Write([]byte("to stderr")); err != nil {
		t.Fatalf("write stderr: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	stdoutPath, stderrPath := m.Paths("media", "RUN1", 2)
	outData, err := os.ReadFile(stdoutPath)
	if err != nil {
		t.Fatalf("read stdout file: %v", err)
	}
	if string(outData) != "to stdout" {
		t.Fatalf("unexpected stdout contents %q", outData)
	}
	errData, err := os.ReadFile(stderrPath)
	if err != nil {
		t.Fatalf("read stderr file: %v", err)
	}
	if string(errData) != "to stderr" {
		t.Fatalf("unexpected stderr contents %q", errData)
	}
}

func TestCappedWriterTruncates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewManager(dir, 8, 7, 0)

	stdout, _, closer, err := m.OpenAttempt("big", "RUN1", 1)
	if err != nil {
		t.Fatalf("OpenAttempt: %v", err)
	}
	n, err := stdout.Write([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 16 {
		t.Fatalf("capped writer must report full write, got %d", n)
	}
	w := stdout.(*CappedFileWriter)
	if !w.Truncated() {
		t.Fatal("expected truncation")
	}
	if w.WrittenBytes() != 8 {
		t.Fatalf("expected 8 bytes persisted, got %d", w.WrittenBytes())
	}
	closer.Close()

	stdoutPath, _ := m.Paths("big", "RUN1", 1)
	data, err := os.ReadFile(stdoutPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "01234567" {
		t.Fatalf("unexpected file contents %q", data)
	}
}

func TestCleanupRemovesExpiredLogs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewManager(dir, 1024, 7, 0)

	_, _, closer, err := m.OpenAttempt("old-job", "RUNOLD", 1)
	if err != nil {
		t.Fatalf("OpenAttempt: %v", err)
	}
	closer.Close()
	_, _, closer, err = m.OpenAttempt("new-job", "RUNNEW", 1)
	if err != nil {
		t.Fatalf("OpenAttempt: %v", err)
	}
	closer.Close()

	// Age the old job's files beyond retention.
	ancient := time.Now().AddDate(0, 0, -30)
	oldStdout, oldStderr := m.Paths("old-job", "RUNOLD", 1)
	for _, p := range []string{oldStdout, oldStderr} {
		if err := os.Chtimes(p, ancient, ancient); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if _, err := os.Stat(oldStdout); !os.IsNotExist(err) {
		t.Fatal("expired log should have been removed")
	}
	newStdout, _ := m.Paths("new-job", "RUNNEW", 1)
	if _, err := os.Stat(newStdout); err != nil {
		t.Fatalf("recent log should survive cleanup: %v", err)
	}
}

func TestCleanupEnforcesTotalSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewManager(dir, 1024, 7, 64)

	for i, run := range []string{"RUN1", "RUN2", "RUN3"} {
		stdout, _, closer, err := m.OpenAttempt("sized", run, 1)
		if err != nil {
			t.Fatalf("OpenAttempt: %v", err)
		}
		if _, err := stdout.Write([]byte(strings.Repeat("x", 48))); err != nil {
			t.Fatalf("write: %v", err)
		}
		closer.Close()

		// Stagger mod times so the oldest is deterministic.
		mod := time.Now().Add(time.Duration(i-3) * time.Hour)
		p, p2 := m.Paths("sized", run, 1)
		os.Chtimes(p, mod, mod)
		os.Chtimes(p2, mod, mod)
	}

	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if total > 64 {
		t.Fatalf("total log size %d exceeds cap", total)
	}
}

func TestPathsSanitizesJobName(t *testing.T) {
	t.Parallel()

	m := NewManager("/var/log/backrun", 0, 0, 0)
	stdoutPath, _ := m.Paths("../evil job", "RUN1", 1)
	if strings.Contains(stdoutPath, "..") {
		t.Fatalf("job name not sanitized: %q", stdoutPath)
	}
	if !strings.HasPrefix(stdoutPath, "/var/log/backrun/") {
		t.Fatalf("path escaped base dir: %q", stdoutPath)
	}
}
