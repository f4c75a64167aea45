package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized matches APIErrors for 401 and 403 responses.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the batch API.
type APIError struct {
	StatusCode int
	Status     string
	Detail     string
	ErrorText  string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.ErrorText
	}
	if msg == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Message picks the text shown to the operator: the server's detail, then
// its error field, then the HTTP status text, then fallback.
func (e *APIError) Message(fallback string) string {
	for _, v := range []string{e.Detail, e.ErrorText, e.Status} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return fallback
}

// ErrorMessage converts any error from this package into display text.
func ErrorMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message(fallback)
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fallback
}

func newAPIError(statusCode int, body []byte) *APIError {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	return &APIError{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Detail:     flattenMessage(payload.Detail),
		ErrorText:  flattenMessage(payload.Error),
	}
}

// flattenMessage accepts the string or list-of-strings shapes the API uses
// for error fields.
func flattenMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return ""
}
