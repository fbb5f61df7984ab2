// Package retry implements the retry/redirect budget shared by every
// request chain issued through a connection pool. A Policy value is
// immutable: Increment returns a new Policy carrying the updated budget
// and history, so a single policy can safely seed many concurrent
// request chains.
package retry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	// backoffMax caps the exponential backoff between attempts.
	backoffMax = 120 * time.Second

	msgErrExhausted    = "retry budget exhausted"
	prefixErrExhausted = msgErrExhausted + ": "
)

var (
	ErrExhausted = errors.New(msgErrExhausted)

	errTooManyRedirects = errors.New("too many redirects")
)

// exhaustedError chains the failure that consumed the last retry so
// callers can surface the root cause in their own terminal error.
type exhaustedError struct {
	err error
}

func (e *exhaustedError) Error() string {
	return prefixErrExhausted + e.err.Error()
}

func (e *exhaustedError) Unwrap() error {
	return e.err
}

func (e *exhaustedError) Is(target error) bool {
	return target == ErrExhausted || errors.Is(e.err, target)
}

// responseError stands in for the root cause when a retry was consumed
// by an HTTP status rather than a transport failure.
type responseError struct {
	status int
}

func (e *responseError) Error() string {
	return fmt.Sprintf("response with retryable status %d", e.status)
}

// Attempt is one entry in a policy's history.
type Attempt struct {
	Method   string
	URL      string
	Err      error
	Status   int
	Redirect string
}

// DefaultRetryAfterStatus lists the statuses for which a Retry-After
// header is honored even when the status forcelist does not name them.
var DefaultRetryAfterStatus = map[int]struct{}{
	http.StatusRequestEntityTooLarge: {},
	http.StatusTooManyRequests:       {},
	http.StatusServiceUnavailable:    {},
}

// DefaultAllowedMethods lists the methods considered safe to replay.
var DefaultAllowedMethods = map[string]struct{}{
	http.MethodHead:    {},
	http.MethodGet:     {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// Policy governs how many times a logical request chain may be
// resubmitted and how long to pause between resubmissions. Redirects
// draw from the same Total budget as error retries.
type Policy struct {
	// Total is the remaining shared budget. Zero means the next
	// Increment fails with ErrExhausted.
	Total int

	// BackoffFactor scales the exponential backoff applied between
	// consecutive erroring attempts. Zero disables backoff sleeps.
	BackoffFactor float64

	// StatusForcelist enumerates response statuses that always trigger
	// the retry path regardless of method.
	StatusForcelist map[int]struct{}

	// AllowedMethods restricts which methods may be retried on a
	// status-based retry. Nil means DefaultAllowedMethods.
	AllowedMethods map[string]struct{}

	// RespectRetryAfter honors a Retry-After response header when
	// sleeping before a retry.
	RespectRetryAfter bool

	// RaiseOnRedirect controls whether exhausting the budget on a
	// redirect surfaces an error or returns the last redirect response.
	RaiseOnRedirect bool

	// RaiseOnStatus is the same switch for status-based retries.
	RaiseOnStatus bool

	// History records every consumed attempt, oldest first.
	History []Attempt
}

// Default returns the policy used when a pool or request does not
// provide one.
func Default() Policy {
	return Policy{
		Total:             3,
		RespectRetryAfter: true,
		RaiseOnRedirect:   true,
		RaiseOnStatus:     true,
	}
}

// None returns a policy that never retries and never raises on
// redirect exhaustion, mirroring a disabled retry configuration.
func None() Policy {
	return Policy{Total: 0}
}

// FromInt builds a policy allowing n resubmissions with the default
// flags.
func FromInt(n int) Policy {
	p := Default()
	p.Total = n
	return p
}

// IsExhausted reports whether the budget has run dry.
func (p Policy) IsExhausted() bool {
	return p.Total < 0
}

// IsRetry reports whether a response with the given status should be
// resubmitted.
func (p Policy) IsRetry(method string, status int, hasRetryAfter bool) bool {
	if _, ok := p.StatusForcelist[status]; ok {
		return true
	}

	allowed := p.AllowedMethods
	if allowed == nil {
		allowed = DefaultAllowedMethods
	}
	if _, ok := allowed[method]; !ok {
		return false
	}

	if p.RespectRetryAfter && hasRetryAfter {
		_, ok := DefaultRetryAfterStatus[status]
		return ok
	}

	return false
}

// Increment consumes one unit of budget and returns the successor
// policy. Exactly one of err/status/redirect describes the trigger.
// When the budget is already spent it returns the receiver unchanged
// and an error wrapping ErrExhausted and the root cause.
func (p Policy) Increment(method, url string, status int, redirect string, err error) (Policy, error) {
	cause := err
	if cause == nil {
		if redirect != "" {
			cause = errTooManyRedirects
		} else {
			cause = &responseError{status: status}
		}
	}

	next := p
	next.Total--
	if next.Total < 0 {
		return p, &exhaustedError{cause}
	}

	history := make([]Attempt, len(p.History), len(p.History)+1)
	copy(history, p.History)
	next.History = append(history, Attempt{
		Method:   method,
		URL:      url,
		Err:      err,
		Status:   status,
		Redirect: redirect,
	})

	return next, nil
}

// ConsecutiveErrors counts the trailing attempts that failed with a
// transport error. The backoff grows with this count, not with the
// total attempt count, so a success or redirect resets the curve.
func (p Policy) ConsecutiveErrors() int {
	n := 0
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].Err == nil {
			break
		}
		n++
	}
	return n
}

// BackoffDuration returns how long to pause before the next attempt.
// The first erroring attempt never sleeps.
func (p Policy) BackoffDuration() time.Duration {
	consecutive := p.ConsecutiveErrors()
	if consecutive <= 1 || p.BackoffFactor <= 0 {
		return 0
	}

	d := time.Duration(p.BackoffFactor * math.Pow(2, float64(consecutive-1)) * float64(time.Second))
	return min(d, backoffMax)
}

// ParseRetryAfter interprets a Retry-After header value as a delay.
// Both the delta-seconds and HTTP-date forms are accepted. Invalid or
// negative values yield zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}

	return max(time.Until(t), 0)
}

// Sleep pauses per the policy before a resubmission. retryAfter is the
// raw Retry-After header of the response that triggered the retry, or
// empty when the trigger was a transport error.
func (p Policy) Sleep(retryAfter string) {
	if p.RespectRetryAfter && retryAfter != "" {
		if d := ParseRetryAfter(retryAfter); d > 0 {
			time.Sleep(d)
			return
		}
	}

	if d := p.BackoffDuration(); d > 0 {
		time.Sleep(d)
	}
}
