package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker reports whether anything is accepting connections on an
// address. The external verification pass runs it before the HTTP
// probe so a firewalled port 80 is reported as "unreachable" rather
// than as a vague HTTP client error.
type TCPChecker struct {
	// Address is host:port, e.g. "app.example.com:80"
	Address string

	// Timeout bounds the connection attempt (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a TCP connect checker.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// Check performs one connect attempt.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("%s not accepting connections: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s accepting connections", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
