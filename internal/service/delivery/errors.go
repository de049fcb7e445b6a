package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrDeliveryFailed is the stable signal callers see once a message could
// not be delivered, whatever the underlying cause.
var ErrDeliveryFailed = errors.New("email delivery failed")

// Kind groups failures by how the pipeline should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindRemoteServer
	KindRateLimited
	KindRemoteClient
	KindAuthentication
	KindConfiguration
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRemoteServer:
		return "remote_server"
	case KindRateLimited:
		return "rate_limited"
	case KindRemoteClient:
		return "remote_client"
	case KindAuthentication:
		return "authentication"
	case KindConfiguration:
		return "configuration"
	case KindTemplate:
		return "template"
	default:
		return "unknown"
	}
}

// Error is a classified transport or rendering failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// StatusError builds an Error from a non-2xx HTTP response.
func StatusError(status int, body []byte) *Error {
	kind := KindRemoteClient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindRemoteServer
	case status < 400:
		kind = KindUnknown
	}

	message := errorMessage(body)
	if message == "" {
		message = http.StatusText(status)
	}

	return &Error{
		Kind:       kind,
		StatusCode: status,
		Message:    message,
		Body:       truncate(string(body), 512),
	}
}

// errorMessage pulls a human readable message out of a provider error body.
// It understands {"error":{"message":...}}, {"message":...} and
// {"error_description":...}.
func errorMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	if nested, ok := payload["error"].(map[string]any); ok {
		if msg, ok := nested["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	if msg, ok := payload["error_description"].(string); ok && msg != "" {
		return msg
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// FailedError is returned by Pipeline.Send when delivery is abandoned.
// errors.Is(err, ErrDeliveryFailed) always holds.
type FailedError struct {
	Attempts int
	Kind     Kind
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrDeliveryFailed, e.Attempts, e.Err)
}

func (e *FailedError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func (e *FailedError) Unwrap() error {
	return e.Err
}
