package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Client with automatic retry on transient errors.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		if re.Code == CodeCorruptMetadata {
			return false // needs an operator
		}
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// isRejected reports whether the server refused the request before doing
// anything: a busy project or a rate limit. Only these are safe to retry for
// operations that are not idempotent.
func isRejected(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == CodeBusy || re.Status == http.StatusTooManyRequests
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// delay is the wait before the next attempt. A server-provided Retry-After
// wins over the computed backoff, capped at MaxBackoff.
func (rc *RetryClient) delay(attempt int, err error) time.Duration {
	d := rc.backoff(attempt)
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > d {
		d = min(re.RetryAfter, rc.config.MaxBackoff)
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	return rc.retryIf(ctx, operation, isTransient, fn)
}

func (rc *RetryClient) retryIf(ctx context.Context, operation string, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := sleep(ctx, rc.delay(attempt, lastErr)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

// --- Delegate all Client methods through retry logic ---

func (rc *RetryClient) Upload(ctx context.Context, projectID, contentType string, r io.Reader) (resp *UploadResponse, err error) {
	// A body that cannot be rewound is sent once.
	seeker, ok := r.(io.Seeker)
	if !ok {
		return rc.inner.Upload(ctx, projectID, contentType, r)
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return rc.inner.Upload(ctx, projectID, contentType, r)
	}
	// A busy rejection changed nothing, so resending cannot duplicate the image.
	err = rc.retryIf(ctx, "upload", isRejected, func() error {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return err
		}
		resp, err = rc.inner.Upload(ctx, projectID, contentType, r)
		return err
	})
	return
}

func (rc *RetryClient) List(ctx context.Context, projectID string) (images []ImageResponse, err error) {
	err = rc.retry(ctx, "list", func() error {
		images, err = rc.inner.List(ctx, projectID)
		return err
	})
	return
}

func (rc *RetryClient) Cover(ctx context.Context, projectID string) (body io.ReadCloser, imageID string, err error) {
	err = rc.retry(ctx, "cover", func() error {
		body, imageID, err = rc.inner.Cover(ctx, projectID)
		return err
	})
	return
}

func (rc *RetryClient) Rendition(ctx context.Context, projectID, imageID, size string) (body io.ReadCloser, err error) {
	err = rc.retry(ctx, "rendition", func() error {
		body, err = rc.inner.Rendition(ctx, projectID, imageID, size)
		return err
	})
	return
}

func (rc *RetryClient) Delete(ctx context.Context, projectID, imageID string) (resp *DeleteResponse, err error) {
	// A repeated delete after an unseen success would report not_found.
	err = rc.retryIf(ctx, "delete", isRejected, func() error {
		resp, err = rc.inner.Delete(ctx, projectID, imageID)
		return err
	})
	return
}

func (rc *RetryClient) SetPrimary(ctx context.Context, projectID, imageID string) (resp *PrimaryResponse, err error) {
	err = rc.retry(ctx, "set primary", func() error {
		resp, err = rc.inner.SetPrimary(ctx, projectID, imageID)
		return err
	})
	return
}

func (rc *RetryClient) Ready(ctx context.Context) error {
	return rc.retry(ctx, "ready", func() error {
		return rc.inner.Ready(ctx)
	})
}
