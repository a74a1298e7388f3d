package messenger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration reports an unusable client configuration, such as a
	// missing access token or an HTTP client and transport that disagree.
	ErrConfiguration = errors.New("messenger: invalid configuration")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("messenger: client closed")
	// ErrNonObjectBody is wrapped by a *DecodingError when a response is valid
	// JSON but not an object. Graph endpoints always answer with objects.
	ErrNonObjectBody = errors.New("messenger: response body is not a JSON object")
)

// ValidationError rejects a send request before any HTTP call is made.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("messenger: %s required", e.Field)
	}
	return fmt.Sprintf("messenger: invalid %s %q", e.Field, e.Value)
}

// TransportError wraps a failure of the underlying HTTP client. The endpoint
// is recorded without its query string.
type TransportError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("messenger: %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodingError reports a response body that is not exactly one JSON object.
type DecodingError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("messenger: decode response (status %d): %v", e.StatusCode, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// APIError is the error object the Graph API embeds in failed responses.
type APIError struct {
	Message      string
	Type         string
	Code         int64
	ErrorSubcode int64
	TraceID      string
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("messenger: graph error")
	if e.Code != 0 {
		fmt.Fprintf(&b, " %d", e.Code)
		if e.ErrorSubcode != 0 {
			fmt.Fprintf(&b, "/%d", e.ErrorSubcode)
		}
	}
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// APIErrorFrom extracts the "error" member of a Graph response. It returns
// nil when the response carries no error object.
func APIErrorFrom(resp Object) *APIError {
	var raw map[string]any
	switch v := resp["error"].(type) {
	case map[string]any:
		raw = v
	case Object:
		raw = v
	default:
		return nil
	}
	return &APIError{
		Message:      stringField(raw, "message"),
		Type:         stringField(raw, "type"),
		Code:         intField(raw, "code"),
		ErrorSubcode: intField(raw, "error_subcode"),
		TraceID:      stringField(raw, "fbtrace_id"),
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
