// Package retry provides the backoff policy used by every remote call
// the watcher makes against the ledger RPC endpoint.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt. Each subsequent
	// delay doubles until MaxDelay is reached.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	Jitter float64
}

// DefaultPolicy returns the policy used when no explicit configuration is
// provided.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// ExhaustedError is returned when all attempts for a call have failed with
// retryable errors. Callers treat it as an ordinary failed operation for the
// current tick.
type ExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// retryableFragments are matched against lowercased error text for transient
// failures that only surface as strings from the RPC provider.
var retryableFragments = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"too many requests",
	"rate limit",
	"429",
	"bad gateway",
	"gateway timeout",
	"service unavailable",
	"502",
	"503",
	"504",
	"connection reset",
	"connection refused",
	"unexpected eof",
	"broken pipe",
}

// Retryable reports whether err belongs to a recognized transient-failure
// class: timeouts, rate limiting, gateway failures, malformed response
// bodies, and connection resets. Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// A provider responding with a truncated or non-JSON body shows up as a
	// decode error; treat it like any other transient gateway fault.
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// Do runs fn under the policy. Non-retryable errors fail immediately;
// retryable errors are retried with backoff until the attempt budget is
// spent, at which point an ExhaustedError wrapping the last error is
// returned. The label identifies the call in errors and logs.
func (p Policy) Do(ctx context.Context, label string, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.jittered(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return &ExhaustedError{Label: label, Attempts: p.MaxAttempts, Err: err}
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	jitter := p.Jitter
	if jitter > 1 {
		jitter = 1
	}
	spread := float64(d) * jitter
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}
