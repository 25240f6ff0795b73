// Package httpretry wraps an HTTP client with bounded retries for calls to
// external registries. Lookups sit on the dispatch hot path, so delays stay
// short and client errors fail fast.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPDoer executes one HTTP request. *http.Client and *RetryClient both
// satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures with exponential backoff and
// jitter. 4xx responses other than 429 are returned to the caller
// immediately.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryClient wraps client with retry behavior. A nil client gets a
// 10s-timeout default; maxRetries <= 0 means 3 retries after the first try.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// Do runs the request, retrying network errors and 429/5xx responses.
// The final attempt's response is returned unconsumed so the caller can
// inspect status and body. Context cancellation stops the loop.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
		} else if !retryable(resp.StatusCode) || attempt == rc.maxRetries {
			return resp, nil
		} else {
			// Drain so the connection can be reused.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("httpretry: status %d from %s", resp.StatusCode, req.URL.Host)
		}

		if attempt == rc.maxRetries {
			return nil, lastErr
		}

		delay := rc.backoff(attempt)
		if resp != nil {
			if after := retryAfter(resp); after > delay {
				delay = after
			}
		}
		log.Printf("httpretry: attempt %d/%d for %s %s failed, retrying in %s",
			attempt+1, rc.maxRetries, req.Method, req.URL.Host, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, lastErr
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("httpretry: reset request body: %w", err)
			}
			req.Body = body
		}
	}
}

// backoff doubles baseDelay per attempt, caps it at maxDelay, and applies
// full jitter with a 50ms floor.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := rc.baseDelay << uint(attempt)
	if d > rc.maxDelay || d <= 0 {
		d = rc.maxDelay
	}
	j := time.Duration(rand.Float64() * float64(d))
	if j < 50*time.Millisecond {
		j = 50 * time.Millisecond
	}
	return j
}

// retryAfter reads the Retry-After header on 429 responses, capped at 10s
// so a misbehaving registry cannot stall a dispatch worker.
func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	if secs > 10 {
		secs = 10
	}
	return time.Duration(secs) * time.Second
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
