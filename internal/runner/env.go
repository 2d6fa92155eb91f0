package runner

import (
	"os"
	"strings"
)

// BuildEnv constructs the environment variable slice for a job execution.
// It starts with the current process environment, overlays job-specific
// variables, and adds BACKRUN_* metadata.
func BuildEnv(jobEnv map[string]string, jobName, runID string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			envMap[k] = v
		}
	}

	for k, v := range jobEnv {
		envMap[k] = v
	}

	if jobName != "" {
		envMap["BACKRUN_JOB_NAME"] = jobName
	}
	if runID != "" {
		envMap["BACKRUN_RUN_ID"] = runID
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}
