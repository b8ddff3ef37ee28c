package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTCPChecker_OpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
}

func TestTCPChecker_ClosedPort(t *testing.T) {
	// Grab a free port and close it again so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	checker := NewTCPChecker(addr).WithTimeout(time.Second)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy for closed port, got healthy")
	}
}

func TestHTTPChecker_HealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}

	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
}

func TestHTTPChecker_UsesHead(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	NewHTTPChecker(server.URL).Check(context.Background())

	if method != http.MethodHead {
		t.Errorf("Expected HEAD request, got %s", method)
	}
}

func TestHTTPChecker_UnhealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestHTTPChecker_CustomStatusRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithStatusRange(200, 299)
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy for 201 status, got unhealthy: %s", result.Message)
	}
}

// flakyChecker fails a fixed number of times before succeeding
type flakyChecker struct {
	failures int
	calls    int
}

func (f *flakyChecker) Check(ctx context.Context) Result {
	f.calls++
	if f.calls <= f.failures {
		return Result{Healthy: false, Message: "not yet", CheckedAt: time.Now()}
	}
	return Result{Healthy: true, CheckedAt: time.Now()}
}

func (f *flakyChecker) Type() CheckType { return CheckTypeTCP }

func TestWait_RecoversWithinWindow(t *testing.T) {
	checker := &flakyChecker{failures: 2}

	err := Wait(context.Background(), checker, Config{
		Interval: time.Millisecond,
		Retries:  5,
	})
	if err != nil {
		t.Errorf("Expected success after retries, got: %v", err)
	}
	if checker.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", checker.calls)
	}
}

func TestWait_ExhaustsRetries(t *testing.T) {
	checker := &flakyChecker{failures: 100}

	err := Wait(context.Background(), checker, Config{
		Interval: time.Millisecond,
		Retries:  3,
	})
	if err == nil {
		t.Error("Expected error after exhausting retries")
	}
	if checker.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", checker.calls)
	}
}

func TestWait_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &flakyChecker{failures: 100}
	err := Wait(ctx, checker, Config{
		Interval:    time.Minute,
		Retries:     10,
		StartPeriod: time.Minute,
	})
	if err == nil {
		t.Error("Expected error from cancelled context")
	}
}
