package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/patrickspencer/backrun/internal/orchestrator"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 2 * time.Second
	defaultTimeout     = 10 * time.Second

	// Per-job stderr excerpt bound in the rendered message.
	excerptLimit = 512
)

// Notifier delivers a run summary to an ntfy-style HTTP endpoint as a
// JSON POST. Delivery has its own small retry budget; a delivery
// failure is reported to the caller but must never be conflated with
// the run's own outcome.
type Notifier struct {
	URL      string
	Topic    string
	Username string
	Password string
	Token    string

	MaxAttempts int
	Backoff     time.Duration
	Client      *http.Client
}

// New creates a Notifier for the given endpoint with default retry and
// timeout settings.
func New(url, topic string) *Notifier {
	return &Notifier{
		URL:         url,
		Topic:       topic,
		MaxAttempts: defaultMaxAttempts,
		Backoff:     defaultBackoff,
		Client:      &http.Client{Timeout: defaultTimeout},
	}
}

// Notify renders the summary and posts it, retrying transient delivery
// failures. It returns the last delivery error once the retry budget is
// spent.
func (n *Notifier) Notify(ctx context.Context, summary *orchestrator.Summary) error {
	payload, err := json.Marshal(map[string]string{
		"topic":   n.Topic,
		"message": FormatMessage(summary),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	max := n.MaxAttempts
	if max < 1 {
		max = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		lastErr = n.send(ctx, payload)
		if lastErr == nil {
			return nil
		}
		log.Printf("WARN: notification attempt %d/%d failed: %v", attempt, max, lastErr)

		if attempt == max {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("notification canceled: %w", ctx.Err())
		case <-time.After(n.Backoff):
		}
	}
	return fmt.Errorf("notification not delivered after %d attempt(s): %w", max, lastErr)
}

func (n *Notifier) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case n.Token != "":
		req.Header.Set("Authorization", "Bearer "+n.Token)
	case n.Username != "":
		req.SetBasicAuth(n.Username, n.Password)
	}

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// FormatMessage renders a human-readable report of the run: one line
// per job with pass/fail, attempts and duration, plus a bounded error
// excerpt for each failing job.
func FormatMessage(s *orchestrator.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "backup run %s: %d/%d job(s) succeeded in %s\n",
		s.RunID, len(s.Results)-s.FailedCount(), len(s.Results),
		s.Duration().Round(time.Second))

	var failed []*orchestrator.JobResult
	for i := range s.Results {
		r := &s.Results[i]
		status := "ok  "
		if !r.Succeeded {
			status = "FAIL"
			failed = append(failed, r)
		}
		fmt.Fprintf(&b, "%s %s (%d attempt(s), %s)\n",
			status, r.JobName, len(r.Attempts), r.Duration.Round(time.Millisecond))
	}

	if len(failed) > 0 {
		b.WriteString("\nThe backup failed as follows:\n")
		for _, r := range failed {
			fmt.Fprintf(&b, "%s: %s\n", r.JobName, failureExcerpt(r))
		}
	}
	return b.String()
}

// failureExcerpt describes why a job's final attempt failed, bounded
// to excerptLimit bytes of subprocess output.
func failureExcerpt(r *orchestrator.JobResult) string {
	last := r.LastAttempt()
	switch {
	case last.TimedOut:
		return "timed out"
	case last.Error != "":
		return last.Error
	}

	excerpt := strings.TrimSpace(last.Stderr)
	if excerpt == "" {
		excerpt = strings.TrimSpace(last.Stdout)
	}
	if excerpt == "" {
		return fmt.Sprintf("exit code %d", last.ExitCode)
	}
	if len(excerpt) > excerptLimit {
		excerpt = "..." + excerpt[len(excerpt)-excerptLimit:]
	}
	return fmt.Sprintf("exit code %d: %s", last.ExitCode, excerpt)
}
