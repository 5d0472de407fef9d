package reliability

import (
	"errors"
	"net"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// FailureClass groups provider failures for user-facing wording.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailureAuth      FailureClass = "auth"
	FailureNotFound  FailureClass = "not_found"
	FailureConflict  FailureClass = "conflict"
	FailurePermanent FailureClass = "permanent"
	FailureTransport FailureClass = "transport"
)

// ClassifyHTTPStatus maps a provider status code to a FailureClass. A zero
// code means the request never produced a response.
func ClassifyHTTPStatus(code int) FailureClass {
	switch {
	case code == 0:
		return FailureTransport
	case IsRetryableHTTPStatus(code):
		return FailureTransient
	case code == 401 || code == 403:
		return FailureAuth
	case code == 404:
		return FailureNotFound
	case code == 409 || code == 422:
		return FailureConflict
	default:
		return FailurePermanent
	}
}

// Classify maps a provider failure to a FailureClass. With a status the code
// decides; without one, only network errors are transport failures.
func Classify(status int, err error) FailureClass {
	if status != 0 {
		return ClassifyHTTPStatus(status)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransport
	}
	return FailurePermanent
}

// Classified is implemented by errors that know their FailureClass.
type Classified interface {
	Class() FailureClass
}

// ClassOf returns the class of the first Classified error in err's chain,
// or FailurePermanent when there is none.
func ClassOf(err error) FailureClass {
	var c Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return FailurePermanent
}
