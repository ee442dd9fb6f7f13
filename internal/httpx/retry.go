package httpx

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

var logger = log.New(log.Writer(), "httpx: ", log.LstdFlags)

// RetryPolicy controls when and how a request is retried, generalizing the
// teacher's RetryPolicy to the three HTTP-layer outcomes the materializer
// and source packages care about: rate limiting, transient server error,
// and plain network failure. Risk-control classification that depends on
// the JSON response body (bilibili's in-body error codes) is layered on
// top by internal/biliapi and internal/riskctl; this package only ever
// sees HTTP status codes and transport errors.
type RetryPolicy struct {
	MaxRetries int
	Max429Wait time.Duration
	Backoff5xx time.Duration
}

// DefaultRetryPolicy matches the chunk downloader's retry budget.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	Max429Wait: 60 * time.Second,
	Backoff5xx: 1 * time.Second,
}

// Do sends req with retry/backoff per policy, pacing attempts through
// limiter when non-nil (a caller-supplied token bucket; internal/governor
// bounds concurrency with semaphores and supplies none).
// A final non-retryable response, or a response surviving all retries, is
// returned as-is; network-level failures are wrapped as
// syncerr.NetworkTransient so callers can route them through the circuit
// breaker uniformly with risk-control failures.
func Do(ctx context.Context, client *http.Client, req *http.Request, limiter *rate.Limiter, policy RetryPolicy) (*http.Response, error) {
	maxRetries := policy.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		attemptReq := req
		if attempt > 0 {
			cloned, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
			if err != nil {
				return nil, err
			}
			for k, v := range req.Header {
				cloned.Header[k] = v
			}
			attemptReq = cloned
		}

		resp, err := client.Do(attemptReq)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, &syncerr.Cancelled{Reason: "request cancelled"}
			}
			if attempt >= maxRetries {
				return nil, &syncerr.NetworkTransient{Cause: err}
			}
			if sleepErr := sleepCtx(ctx, jitter(policy.Backoff5xx*time.Duration(1<<uint(attempt)))); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		code := resp.StatusCode
		if code == http.StatusOK || code == http.StatusPartialContent || code == http.StatusNotModified {
			return resp, nil
		}

		if code == http.StatusRequestedRangeNotSatisfiable {
			drain(resp)
			return nil, &syncerr.RangeUnsupported{}
		}

		if code == http.StatusTooManyRequests && attempt < maxRetries {
			wait := jitter(parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait))
			drain(resp)
			logger.Printf("%s 429, attempt %d/%d, retrying in %s", attemptReq.URL.Host, attempt+1, maxRetries, wait.Round(time.Millisecond))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if code >= 500 && code < 600 && attempt < maxRetries {
			wait := jitter(policy.Backoff5xx * time.Duration(1<<uint(attempt)))
			drain(resp)
			logger.Printf("%s %d, attempt %d/%d, retrying in %s", attemptReq.URL.Host, code, attempt+1, maxRetries, wait.Round(time.Millisecond))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if code == http.StatusNotFound {
			drain(resp)
			return nil, &syncerr.UpstreamNotFound{}
		}

		return resp, nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(http.TimeFormat, s)
	if err != nil {
		return time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	result := d + delta
	if result < 0 {
		return 0
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
