package l7proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
)

// FailureType classifies why an upstream round trip did not complete
// cleanly, so logs and telemetry carry more than a flat "upstream_error".
// Adapted from the upstream proxy's backend-failure classifier, trimmed
// to the single fixed-backend case this proxy has (no multi-backend
// fallback selection).
type FailureType int

const (
	FailureNone FailureType = iota
	FailureTimeout
	FailureConnectionRefused
	FailureConnectionReset
	FailureServerError
	FailureStreamInterrupt
)

func (f FailureType) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureConnectionReset:
		return "connection_reset"
	case FailureServerError:
		return "server_error"
	case FailureStreamInterrupt:
		return "stream_interrupt"
	default:
		return "unknown"
	}
}

// DetectFailure classifies a completed (resp, err) pair from the
// upstream RoundTrip.
func DetectFailure(resp *http.Response, err error) FailureType {
	if err != nil {
		if os.IsTimeout(err) {
			return FailureTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return FailureTimeout
		}

		var netErr *net.OpError
		if errors.As(err, &netErr) {
			if strings.Contains(netErr.Error(), "connection refused") {
				return FailureConnectionRefused
			}
			if strings.Contains(netErr.Error(), "connection reset") {
				return FailureConnectionReset
			}
		}

		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "connection refused"):
			return FailureConnectionRefused
		case strings.Contains(errStr, "connection reset"):
			return FailureConnectionReset
		default:
			return FailureStreamInterrupt
		}
	}

	if resp == nil {
		return FailureStreamInterrupt
	}
	if resp.StatusCode >= 500 {
		return FailureServerError
	}
	return FailureNone
}
