package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"transport fault", ErrTransport, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"socket closed", ErrSocketClosed, false},
		{"net.ErrClosed", net.ErrClosed, false},
		{"bind error", ErrBind, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"unreachable network", fmt.Errorf("write udp: network is unreachable"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"socket closed", ErrSocketClosed, true},
		{"net.ErrClosed", net.ErrClosed, true},
		{"closed conn message", fmt.Errorf("read udp: use of closed network connection"), true},
		{"transport fault", ErrTransport, false},
		{"address error", ErrAddress, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"address error", ErrAddress, true},
		{"bind error", ErrBind, true},
		{"no free port", ErrNoFreePort, true},
		{"not open", ErrNotOpen, true},
		{"state error", ErrState, true},
		{"payload too large", ErrPayloadTooLarge, true},
		{"transport fault", ErrTransport, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults to transient", nil, ErrorTransient},
		{"socket closed is fatal", ErrSocketClosed, ErrorFatal},
		{"bind is invalid", ErrBind, ErrorInvalid},
		{"transport is transient", ErrTransport, ErrorTransient},
		{"unknown defaults to transient", fmt.Errorf("something odd"), ErrorTransient},
		{"wrapped invalid", WrapInvalid(ErrState, "Endpoint", "SetMaxPayloadSize", "state check"), ErrorInvalid},
		{"wrapped fatal", WrapFatal(ErrSocketClosed, "socket", "receiveOnce", "read"), ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, "socket", "open", "bind")

	if wrapped == nil {
		t.Fatal("expected non-nil error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
	if !strings.Contains(wrapped.Error(), "socket.open: bind failed") {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if Wrap(nil, "socket", "open", "bind") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified_PreservesChain(t *testing.T) {
	wrapped := WrapInvalid(ErrBind, "socket", "open", "bind")

	if !errors.Is(wrapped, ErrBind) {
		t.Error("errors.Is should see through the classification wrapper")
	}

	var ce *ClassifiedError
	if !errors.As(wrapped, &ce) {
		t.Fatal("errors.As should find ClassifiedError")
	}
	if ce.Class != ErrorInvalid {
		t.Errorf("expected invalid class, got %v", ce.Class)
	}
	if ce.Component != "socket" || ce.Operation != "open" {
		t.Errorf("unexpected context: %s.%s", ce.Component, ce.Operation)
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    4,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 1.5,
	}

	cfg := rc.ToRetryConfig()
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected 5 total attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 50*time.Millisecond || cfg.MaxDelay != time.Second {
		t.Error("delays should carry over")
	}
	if !cfg.AddJitter {
		t.Error("jitter should be enabled")
	}
}
