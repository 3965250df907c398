package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

type ErrorKind int

const (
	KindRequest ErrorKind = iota
	KindServerUnreachable
	KindTimeout
	KindMalformedResponse
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindServerUnreachable:
		return "server_unreachable"
	case KindTimeout:
		return "timeout"
	case KindMalformedResponse:
		return "malformed_response"
	case KindCanceled:
		return "canceled"
	default:
		return "request"
	}
}

// ClientError is returned by every Client method that reaches the network.
type ClientError struct {
	Kind    ErrorKind
	URL     string
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// DecodeError describes a stream line that was not valid JSON. The decoder
// logs and skips it; it never ends a stream.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode stream line %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Classify maps a transport error onto the client's error kinds.
func Classify(err error, baseURL string) *ClientError {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ClientError{
			Kind:    KindServerUnreachable,
			URL:     baseURL,
			Message: fmt.Sprintf("Cannot connect to Ollama at %s. Ensure Ollama is running.", baseURL),
			Cause:   err,
		}
	case errors.Is(err, context.Canceled):
		return &ClientError{Kind: KindCanceled, URL: baseURL, Message: "request canceled", Cause: err}
	case isTimeout(err):
		return &ClientError{Kind: KindTimeout, URL: baseURL, Message: "request to " + baseURL + " timed out", Cause: err}
	default:
		return &ClientError{Kind: KindRequest, URL: baseURL, Message: "request to " + baseURL + " failed", Cause: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func kindOf(err error) (ErrorKind, bool) {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Kind, true
	}
	return KindRequest, false
}

// IsServerUnreachable reports whether err is a refused connection.
func IsServerUnreachable(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindServerUnreachable
}

func IsTimeout(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindTimeout
}

func IsMalformedResponse(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindMalformedResponse
}

func IsCanceled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	kind, ok := kindOf(err)
	return ok && kind == KindCanceled
}

// UserMessage renders err as the text of an assistant chat bubble.
func UserMessage(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Kind {
		case KindServerUnreachable, KindMalformedResponse:
			return clientErr.Message
		}
	}
	return "Error: " + err.Error()
}
