package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrRateLimited is matched by a StatusError carrying HTTP 429.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrQuotaExhausted is matched by a StatusError carrying HTTP 402.
	ErrQuotaExhausted = errors.New("usage quota exhausted")
	// ErrTimeout is returned when a backend stops responding within the configured timeouts.
	ErrTimeout = errors.New("request timed out")
	// ErrNoImage is returned when an image backend answers successfully but without an image.
	ErrNoImage = errors.New("no image returned")
	// ErrChatNotFound is returned by stores for a chat ID they do not hold.
	ErrChatNotFound = errors.New("chat not found")
)

// StatusError is a non-2xx answer from one of the backends.
type StatusError struct {
	StatusCode int
	Message    string
}

// NewStatusError builds a StatusError from a response status and body. The body is expected to be
// `{"error": "..."}` or `{"error": {"message": "..."}}`; anything else is kept verbatim.
func NewStatusError(statusCode int, body []byte) *StatusError {
	msg := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		e := gjson.GetBytes(body, "error")
		switch {
		case e.Type == gjson.String:
			msg = e.Str
		case e.IsObject() && e.Get("message").Exists():
			msg = e.Get("message").String()
		}
	}
	return &StatusError{StatusCode: statusCode, Message: msg}
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code to ErrRateLimited or ErrQuotaExhausted, so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusPaymentRequired:
		return ErrQuotaExhausted
	default:
		return nil
	}
}
