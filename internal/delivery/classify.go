package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ClassifyFailure buckets a failed outbound call into a short reason used in
// metrics labels and stored error text.
func ClassifyFailure(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return "timeout"
		}
		var netErr net.Error
		if errors.As(doErr, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
