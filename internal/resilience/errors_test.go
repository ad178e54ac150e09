package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsRetryable_ExplicitRetryableError(t *testing.T) {
	err := NewRetryableError(errors.New("quota exceeded"), 429)
	if !IsRetryable(err) {
		t.Error("expected RetryableError to be retryable")
	}
}

func TestIsRetryable_WrappedRetryableError(t *testing.T) {
	inner := NewRetryableError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsRetryable(wrapped) {
		t.Error("expected wrapped RetryableError to be retryable")
	}
}

func TestIsRetryable_NilError(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestIsRetryable_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsRetryable(err) {
		t.Error("regular error should not be retryable")
	}
}

func TestIsRetryable_FatalWinsOverPatterns(t *testing.T) {
	err := NewFatalError(errors.New("i/o timeout while validating"), 400)
	if IsRetryable(err) {
		t.Error("fatal error should not be retryable")
	}
}

func TestIsRetryable_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsRetryable(err) {
		t.Error("ECONNRESET should be retryable")
	}
}

func TestIsRetryable_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsRetryable(err) {
		t.Error("network timeout should be retryable")
	}
}

func TestIsRetryable_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsRetryable(err) {
			t.Errorf("expected %q to be retryable", p)
		}
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("query: %w", NewFatalError(errors.New("forbidden"), 403))) {
		t.Error("expected wrapped FatalError to be fatal")
	}
	if IsFatal(errors.New("boom")) {
		t.Error("plain error should not be fatal")
	}
}

func TestIsSourceError(t *testing.T) {
	if !IsSourceError(NewRetryableError(errors.New("x"), 503)) {
		t.Error("retryable error is a source error")
	}
	if !IsSourceError(NewFatalError(errors.New("x"), 400)) {
		t.Error("fatal error is a source error")
	}
	if IsSourceError(errors.New("nil pointer")) {
		t.Error("local error is not a source error")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422}
	for _, code := range permanent {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestClassifyHTTP(t *testing.T) {
	if ClassifyHTTP(nil, 500) != nil {
		t.Error("nil error should stay nil")
	}

	err := ClassifyHTTP(errors.New("slow down"), 429)
	var re *RetryableError
	if !errors.As(err, &re) || re.StatusCode != 429 {
		t.Errorf("expected RetryableError with status 429, got %v", err)
	}

	err = ClassifyHTTP(errors.New("forbidden"), 403)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.StatusCode != 403 {
		t.Errorf("expected FatalError with status 403, got %v", err)
	}
}

func TestRetryableError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	re := NewRetryableError(inner, 500)

	if !errors.Is(re, inner) {
		t.Error("RetryableError.Unwrap should return the inner error")
	}
	if re.Error() != "root cause" {
		t.Errorf("expected error message %q, got %q", inner.Error(), re.Error())
	}
}
