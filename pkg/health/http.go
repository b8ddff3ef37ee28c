package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes a released endpoint over HTTP from the operator's
// machine. Used by the external verification pass, which exercises the
// route through the reverse proxy exactly as a client would.
type HTTPChecker struct {
	// URL is the endpoint to probe, e.g. "http://app.example.com/"
	URL string

	// Method defaults to HEAD: the cheapest request a static server
	// answers
	Method string

	// statusMin and statusMax bound the healthy status range, default
	// 200-399 so redirects count as alive
	statusMin int
	statusMax int

	// Client allows a caller-tuned transport
	Client *http.Client
}

// NewHTTPChecker creates an HTTP endpoint checker.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Method:    http.MethodHead,
		statusMin: 200,
		statusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithStatusRange narrows or widens the healthy status window.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.statusMin = min
	h.statusMax = max
	return h
}

// Check performs one HTTP probe.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("building probe request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("endpoint unreachable: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	resp.Body.Close()

	if resp.StatusCode < h.statusMin || resp.StatusCode > h.statusMax {
		return Result{
			Message:   fmt.Sprintf("endpoint answered %d, want %d-%d", resp.StatusCode, h.statusMin, h.statusMax),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("endpoint answered %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}
