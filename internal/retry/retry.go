// Package retry implements the HTTP retry/backoff executor (spec.md §4.2):
// a decorrelated-jitter schedule, Retry-After override, and a cancellation
// path distinct from retried failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// MaxAttempts is the total number of attempts for one Execute call
// (1 initial + 4 retries), fixed per spec.md §4.2.
const MaxAttempts = 5

// baseDelay is the decorrelated-jitter schedule's floor. With this base,
// the first retry delay is uniform over [500ms, 1500ms], giving a median
// of 1s as required.
const baseDelay = 500 * time.Millisecond

const maxBodySnippet = 500

// RequestFactory builds a fresh, unsent request for one attempt. It must
// never reuse a request value across attempts, since request bodies are
// consumed on send and the Authorization header carries a freshly fetched
// token.
type RequestFactory func(ctx context.Context) (*http.Request, error)

// OnRetry is invoked before sleeping ahead of a retry, surfacing attempt
// number, computed delay, response status (0 for network errors), and a
// truncated response body to the telemetry channel.
type OnRetry func(attempt int, delay time.Duration, status int, bodySnippet string)

// Policy holds a pre-generated decorrelated-jitter delay schedule,
// generated once at construction per spec.md §4.2.
type Policy struct {
	delays []time.Duration
}

// NewPolicy generates a decorrelated-jitter schedule of maxAttempts-1
// delays (the gaps between attempts).
func NewPolicy(maxAttempts int) *Policy {
	return NewPolicyWithRand(maxAttempts, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewPolicyWithRand generates the schedule using the supplied random
// source, for deterministic tests.
func NewPolicyWithRand(maxAttempts int, rng *rand.Rand) *Policy {
	n := maxAttempts - 1
	if n < 0 {
		n = 0
	}
	delays := make([]time.Duration, n)
	prev := baseDelay
	for i := 0; i < n; i++ {
		upper := prev * 3
		if upper < baseDelay {
			upper = baseDelay
		}
		span := upper - baseDelay
		var d time.Duration
		if span <= 0 {
			d = baseDelay
		} else {
			d = baseDelay + time.Duration(rng.Int63n(int64(span)+1))
		}
		delays[i] = d
		prev = d
	}
	return &Policy{delays: delays}
}

// NewFixedDelayPolicy builds a schedule with every delay set to delay,
// bypassing the decorrelated-jitter generator. Intended for callers that
// need retry exhaustion to run quickly and deterministically, such as
// tests driving a component that builds its own Executor internally.
func NewFixedDelayPolicy(maxAttempts int, delay time.Duration) *Policy {
	n := maxAttempts - 1
	if n < 0 {
		n = 0
	}
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = delay
	}
	return &Policy{delays: delays}
}

// Executor wraps an HTTP send attempt with the retry policy.
type Executor struct {
	HTTPClient *http.Client
	Policy     *Policy
	OnRetry    OnRetry

	// Breaker, when set, wraps each attempt's HTTP round trip. It opens
	// after a run of classified-retriable failures (connection errors,
	// 429/5xx) and fails attempts fast while open, instead of letting the
	// retry schedule keep re-dialing a tenant that is sustainedly down.
	// It never adds attempts beyond a request's 5-attempt budget (spec.md
	// §4.2), but failures within one request count toward tripping it, and
	// once it is open Execute returns at once, ending that request's
	// remaining attempts.
	Breaker *gobreaker.CircuitBreaker
}

// NewExecutor builds an Executor with a freshly generated policy of
// MaxAttempts attempts.
func NewExecutor(client *http.Client) *Executor {
	return &Executor{HTTPClient: client, Policy: NewPolicy(MaxAttempts)}
}

// NewHostBreaker builds a circuit breaker for one upstream host: it trips
// after more than 5 consecutive failures or a 60% failure ratio over at least 10
// requests, stays open for 30s, then allows 3 half-open probes.
func NewHostBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// perAttemptTimeoutKey is the context key under which WithPerAttemptTimeout
// stores its deadline duration.
type perAttemptTimeoutKey struct{}

// WithPerAttemptTimeout attaches a bound on each individual HTTP attempt
// Execute makes, derived from SendOptions.RequestTimeout and layered under
// ctx: the overall call is still governed by ctx's own deadline/cancellation,
// but no single attempt may run longer than d before Execute treats it as a
// retriable failure and tries again. A zero or negative d leaves ctx
// unchanged, meaning no per-attempt bound is applied.
func WithPerAttemptTimeout(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		return ctx
	}
	return context.WithValue(ctx, perAttemptTimeoutKey{}, d)
}

func perAttemptTimeoutFrom(ctx context.Context) time.Duration {
	d, _ := ctx.Value(perAttemptTimeoutKey{}).(time.Duration)
	return d
}

// cancelOnCloseBody releases a per-attempt timeout's resources once the
// caller is done reading the response it was guarding, instead of leaking
// the timer for the rest of ctx's lifetime.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// errBreakerOpen marks an attempt failed fast by an open circuit breaker,
// distinct from the network errors the breaker itself counts as failures.
type errBreakerOpen struct{ err error }

func (e *errBreakerOpen) Error() string { return fmt.Sprintf("circuit breaker open: %v", e.err) }
func (e *errBreakerOpen) Unwrap() error { return e.err }

// doRequest performs req, routing it through Breaker when configured. A
// transport error counts as a breaker failure, and so do retriable status
// codes (408/429/5xx), since they are exactly the signal the breaker exists
// to notice; any other response counts as a success.
func (e *Executor) doRequest(req *http.Request) (*http.Response, error) {
	if e.Breaker == nil {
		return e.client().Do(req)
	}
	result, err := e.Breaker.Execute(func() (interface{}, error) {
		resp, doErr := e.client().Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if isRetriableStatus(resp.StatusCode) {
			return resp, fmt.Errorf("retriable status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if resp, ok := result.(*http.Response); ok && resp != nil {
		return resp, nil
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &errBreakerOpen{err: err}
		}
	}
	return nil, err
}

func (e *Executor) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

func (e *Executor) maxAttempts() int {
	return len(e.Policy.delays) + 1
}

// CancelledError marks a cancellation outcome: it propagates as an
// ordinary cancellation, never as a retried failure.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string { return fmt.Sprintf("cancelled: %v", e.Err) }
func (e *CancelledError) Unwrap() error { return e.Err }

// Execute runs requestFactory with retry/backoff. It returns the final
// HTTP response — success or a non-retriable/exhausted failure — for the
// caller to classify and read the body of. A non-nil error means either
// the request could not be constructed, all attempts failed with network
// errors, the circuit breaker was open, or ctx was cancelled.
func (e *Executor) Execute(ctx context.Context, newRequest RequestFactory) (*http.Response, error) {
	attempts := e.maxAttempts()
	perAttempt := perAttemptTimeoutFrom(ctx)
	var lastNetErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &CancelledError{Err: err}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if perAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, perAttempt)
		}

		req, err := newRequest(attemptCtx)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("retry: building request: %w", err)
		}

		resp, err := e.doRequest(req)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			var open *errBreakerOpen
			if errors.As(err, &open) {
				return nil, fmt.Errorf("retry: %w", err)
			}
			if !IsRetriableNetworkError(ctx, err) {
				return nil, &CancelledError{Err: ctx.Err()}
			}
			lastNetErr = err
			if attempt == attempts {
				break
			}
			delay := e.Policy.delays[attempt-1]
			e.notify(attempt, delay, 0, err.Error())
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return nil, &CancelledError{Err: sleepErr}
			}
			continue
		}

		if !isRetriableStatus(resp.StatusCode) {
			if cancel != nil {
				resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
			}
			return resp, nil
		}

		if attempt == attempts {
			if cancel != nil {
				resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
			}
			return resp, nil
		}

		delay := e.Policy.delays[attempt-1]
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, ok := parseRetryAfterDelta(ra); ok {
				delay = d
			}
		}

		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		if cancel != nil {
			cancel()
		}
		e.notify(attempt, delay, resp.StatusCode, snippet)

		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return nil, &CancelledError{Err: sleepErr}
		}
	}

	return nil, fmt.Errorf("retry: exhausted %d attempts: %w", attempts, lastNetErr)
}

func (e *Executor) notify(attempt int, delay time.Duration, status int, body string) {
	if e.OnRetry != nil {
		e.OnRetry(attempt, delay, status, body)
		return
	}
	slog.Info("retrying request",
		"attempt", attempt,
		"delay", delay,
		"status", status,
		"body", body,
	)
}

func isRetriableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// parseRetryAfterDelta parses a Retry-After header's delta-seconds form.
// HTTP-date form is not handled, matching the backend's documented usage.
func parseRetryAfterDelta(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func readSnippet(r io.Reader) string {
	buf := make([]byte, maxBodySnippet)
	n, _ := io.ReadFull(r, buf)
	return string(buf[:n])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetriableNetworkError reports whether err on an attempt against ctx is a
// transient failure Execute should retry, rather than a cancellation
// traceable to the caller. A per-attempt timeout (WithPerAttemptTimeout)
// surfaces as context.DeadlineExceeded on the attempt's own derived context
// while ctx itself is still live, so it is deliberately retriable here; only
// ctx's own Err() being set (the caller cancelled or its deadline passed)
// is not.
func IsRetriableNetworkError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() == nil
}
