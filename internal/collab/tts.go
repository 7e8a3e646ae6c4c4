package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Limits for [TTSJobRequest].
const (
	MaxTTSTextLength = 4096
	MinTTSPriority   = 0
	MaxTTSPriority   = 10
)

// TTSJobRequest asks the queue to synthesise Text.
type TTSJobRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
	Model   string `json:"model,omitempty"`

	// Priority orders jobs; higher runs first.
	Priority int `json:"priority"`
}

// Validate rejects requests the queue would refuse.
func (r TTSJobRequest) Validate() error {
	var errs []error
	switch n := utf8.RuneCountInString(r.Text); {
	case strings.TrimSpace(r.Text) == "":
		errs = append(errs, &ValidationError{Field: "text", Reason: "must not be empty"})
	case n > MaxTTSTextLength:
		errs = append(errs, &ValidationError{Field: "text", Reason: fmt.Sprintf("%d characters exceeds %d", n, MaxTTSTextLength)})
	}
	if err := ValidateVoiceID(r.VoiceID); err != nil {
		errs = append(errs, err)
	}
	if r.Priority < MinTTSPriority || r.Priority > MaxTTSPriority {
		errs = append(errs, &ValidationError{
			Field:  "priority",
			Reason: fmt.Sprintf("%d is out of range [%d, %d]", r.Priority, MinTTSPriority, MaxTTSPriority),
		})
	}
	return errors.Join(errs...)
}

// TTSStatus is the lifecycle state of a job.
type TTSStatus string

const (
	TTSPending   TTSStatus = "pending"
	TTSCompleted TTSStatus = "completed"
	TTSFailed    TTSStatus = "failed"
)

// Done reports whether the status is terminal.
func (s TTSStatus) Done() bool { return s == TTSCompleted || s == TTSFailed }

// TTSJob is the polled state of a job.
type TTSJob struct {
	ID     string    `json:"id"`
	Status TTSStatus `json:"status"`

	// AudioURL is set once Status is completed.
	AudioURL   string `json:"audioUrl,omitempty"`
	RetryCount int    `json:"retryCount"`
}

// TTSQueue accepts synthesis jobs and reports their status.
type TTSQueue interface {
	Enqueue(ctx context.Context, req TTSJobRequest) (jobID string, err error)
	Status(ctx context.Context, jobID string) (TTSJob, error)
}

// ErrTTSFailed is returned by [Synthesize] when the queue reports a failed
// job.
var ErrTTSFailed = errors.New("collab: tts job failed")

// Synthesize validates and enqueues req, then polls every interval until the
// job finishes or ctx ends. It returns the audio URL of a completed job.
func Synthesize(ctx context.Context, q TTSQueue, req TTSJobRequest, interval time.Duration) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		return "", fmt.Errorf("collab: enqueue: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := q.Status(ctx, id)
		if err != nil {
			return "", fmt.Errorf("collab: job %s: %w", id, err)
		}
		switch job.Status {
		case TTSCompleted:
			return job.AudioURL, nil
		case TTSFailed:
			return "", fmt.Errorf("%w: job %s after %d retries", ErrTTSFailed, id, job.RetryCount)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
