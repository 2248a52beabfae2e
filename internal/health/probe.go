package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Probe polls an HTTP endpoint until it answers 2xx or the attempt
// budget runs out. Spacing is a fixed interval, no backoff: services
// with heavy startup cost get a larger budget instead.
type Probe struct {
	URL      string
	Interval time.Duration
	Attempts int
	Timeout  time.Duration // per-attempt request timeout
	client   *http.Client
}

// ErrTimeout reports probe-budget exhaustion.
type ErrTimeout struct {
	URL      string
	Attempts int
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("health check %s not ready after %d attempts", e.URL, e.Attempts)
}

func New(url string, interval time.Duration, attempts int) *Probe {
	if interval <= 0 {
		interval = time.Second
	}
	if attempts <= 0 {
		attempts = 10
	}
	timeout := 2 * time.Second
	return &Probe{
		URL:      url,
		Interval: interval,
		Attempts: attempts,
		Timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

// Wait blocks until the endpoint is ready or the budget is spent.
// Connection errors and non-2xx responses are both "not ready yet"; only
// exhaustion surfaces, as *ErrTimeout. Returns the number of attempts
// used alongside any error.
func (p *Probe) Wait(ctx context.Context) (int, error) {
	for attempt := 1; ; attempt++ {
		if err := p.check(ctx); err == nil {
			return attempt, nil
		}
		if attempt >= p.Attempts {
			return attempt, &ErrTimeout{URL: p.URL, Attempts: p.Attempts}
		}
		select {
		case <-time.After(p.Interval):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
}

func (p *Probe) check(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		// Drain so the keep-alive connection is reusable on the next attempt.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}
