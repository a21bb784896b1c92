package l7proxy

import (
	"errors"
	"net/http"
	"testing"
)

func TestDetectFailureClassifiesServerError(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusServiceUnavailable}
	if got := DetectFailure(resp, nil); got != FailureServerError {
		t.Fatalf("expected FailureServerError, got %v", got)
	}
}

func TestDetectFailureClassifiesCleanResponse(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK}
	if got := DetectFailure(resp, nil); got != FailureNone {
		t.Fatalf("expected FailureNone, got %v", got)
	}
}

func TestDetectFailureClassifiesConnectionRefused(t *testing.T) {
	err := errors.New("dial tcp 127.0.0.1:9999: connect: connection refused")
	if got := DetectFailure(nil, err); got != FailureConnectionRefused {
		t.Fatalf("expected FailureConnectionRefused, got %v", got)
	}
}

func TestDetectFailureFallsBackToStreamInterrupt(t *testing.T) {
	err := errors.New("unexpected EOF")
	if got := DetectFailure(nil, err); got != FailureStreamInterrupt {
		t.Fatalf("expected FailureStreamInterrupt, got %v", got)
	}
}
