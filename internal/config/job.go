package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patrickspencer/backrun/internal/orchestrator"
)

// Job is the definition of a single backup job parsed from a YAML file.
// The command is invoked directly with Args; no shell is involved.
type Job struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Timeout     string            `yaml:"timeout"`
	MaxAttempts int               `yaml:"max_attempts"`
	WorkingDir  string            `yaml:"working_dir"`
	Env         map[string]string `yaml:"env"`
	Enabled     *bool             `yaml:"enabled"`
	FilePath    string            `yaml:"-"`
}

// IsEnabled returns whether the job is enabled. Defaults to true if not set.
func (j *Job) IsEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// ParseTimeout parses the Timeout string into a time.Duration.
// Returns 0 if the timeout is empty.
func (j *Job) ParseTimeout() (time.Duration, error) {
	if j.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(j.Timeout)
}

// Validate rejects a malformed job definition.
func (j *Job) Validate() error {
	j.Name = strings.TrimSpace(j.Name)
	j.Command = strings.TrimSpace(j.Command)
	j.WorkingDir = strings.TrimSpace(j.WorkingDir)
	j.Timeout = strings.TrimSpace(j.Timeout)

	if j.Name == "" {
		return errors.New("job name is required")
	}
	if !isSafeJobName(j.Name) {
		return errors.New("invalid job name: use only letters, numbers, '.', '-', '_'")
	}
	if j.Command == "" {
		return errors.New("job command is required")
	}
	if _, err := j.ParseTimeout(); err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	if j.MaxAttempts < 0 {
		return errors.New("max_attempts cannot be negative")
	}
	return nil
}

// Spec converts the definition into the immutable job handed to the
// orchestrator. Validate must have passed first.
func (j *Job) Spec() orchestrator.Job {
	timeout, _ := j.ParseTimeout()
	return orchestrator.Job{
		Name:        j.Name,
		Command:     j.Command,
		Args:        j.Args,
		Timeout:     timeout,
		MaxAttempts: j.MaxAttempts,
		WorkDir:     j.WorkingDir,
		Env:         j.Env,
	}
}

func isSafeJobName(name string) bool {
	if name == "" {
		return false
	}
	for _, ch := range name {
		isLower := ch >= 'a' && ch <= 'z'
		isUpper := ch >= 'A' && ch <= 'Z'
		isDigit := ch >= '0' && ch <= '9'
		if isLower || isUpper || isDigit || ch == '-' || ch == '_' || ch == '.' {
			continue
		}
		return false
	}
	return true
}

// ParseJobYAML parses a single job YAML payload.
func ParseJobYAML(data []byte) (*Job, error) {
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// LoadJobs reads all *.yaml files from dir in filename order, parses
// and validates each into a Job, and rejects duplicate names. Disabled
// jobs are skipped. The returned order is the run's job order.
func LoadJobs(dir string) ([]*Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	var jobs []*Job
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		job, err := ParseJobYAML(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("invalid job in %s: %w", path, err)
		}
		if prev, dup := seen[job.Name]; dup {
			return nil, fmt.Errorf("duplicate job name %q in %s (already defined in %s)", job.Name, path, prev)
		}
		seen[job.Name] = path

		if !job.IsEnabled() {
			continue
		}
		job.FilePath = path
		jobs = append(jobs, job)
	}

	return jobs, nil
}
