package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// StructuralError marks a unit of work that can never succeed as given:
// an unreadable document, a model reply that is not valid JSON, a reference
// to an entity that does not exist. Such units are recorded with a warning
// and skipped instead of retried.
type StructuralError struct {
	Unit string
	Err  error
}

func (e *StructuralError) Error() string {
	if e.Unit == "" {
		return e.Err.Error()
	}
	return e.Unit + ": " + e.Err.Error()
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// NewStructuralError wraps err as a structural failure of unit.
func NewStructuralError(unit string, err error) *StructuralError {
	return &StructuralError{Unit: unit, Err: err}
}

// IsStructural reports whether err (or its chain) is a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, an open circuit, or matches common transient error
// patterns (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsStructural(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"overloaded",
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}

// Error classes reported in logs and checkpoint diagnostics.
const (
	ClassTransient  = "transient"
	ClassStructural = "structural"
	ClassFatal      = "fatal"
)

// ClassifyError names the error class of err.
func ClassifyError(err error) string {
	switch {
	case IsStructural(err):
		return ClassStructural
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassFatal
	}
}
