package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/roach88/fieldsync/internal/model"
)

// classifyTransport wraps a failed round trip as a retryable network error,
// logging the cause the way operators need to see it.
func classifyTransport(logger *slog.Logger, op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn("request timed out", "op", op, "error", err)
		return model.NewNetworkError(op, fmt.Errorf("request timed out: %w", err))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			logger.Warn("DNS resolution failed", "op", op, "url", urlErr.URL, "error", err)
			return model.NewNetworkError(op, fmt.Errorf("DNS resolution failed: %w", err))
		}
	}
	logger.Warn("network error", "op", op, "error", err)
	return model.NewNetworkError(op, err)
}

// classifyStatus maps a non-success response. 5xx and 429 are transient;
// other 4xx are the server refusing this payload for good.
func classifyStatus(op string, status int, body []byte) error {
	var er ErrorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return model.NewNetworkError(op, fmt.Errorf("server returned %d: %s", status, msg))
	}
	field := er.Field
	if field == "" {
		field = "server"
	}
	return model.NewValidationError(field, fmt.Sprintf("%s rejected (%d): %s", op, status, msg))
}
