package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
)

// ClassifyReason maps a delivery error to a low-cardinality label.
func ClassifyReason(err error) string {
	if err == nil {
		return "other"
	}

	var herr *HTTPError
	if errors.As(err, &herr) {
		switch {
		case herr.StatusCode >= 500:
			return "http_5xx"
		case herr.StatusCode == 429:
			return "http_429"
		case herr.StatusCode >= 400:
			return "http_4xx"
		}
		return "other"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns"):
		return "dns_error"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "network"
	}
	return "other"
}

// WithTimeout bounds every call of deliver to d.
func WithTimeout(deliver scanqueue.DeliverFunc[audit.Scan], d time.Duration) scanqueue.DeliverFunc[audit.Scan] {
	if d <= 0 {
		return deliver
	}
	return func(ctx context.Context, s audit.Scan) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return deliver(ctx, s)
	}
}
