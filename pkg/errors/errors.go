package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var ErrAssociation = fmt.Errorf("association error")
var ErrInternal = fmt.Errorf("internal error")
var ErrMalformedPayload = fmt.Errorf("malformed payload")
var ErrNotFound = fmt.Errorf("not found")
var ErrTransport = fmt.Errorf("transport failure")
var ErrUnknownResource = fmt.Errorf("unknown resource")

type myError struct {
	msg    string
	target error
	cause  error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }
func (m myError) Unwrap() error        { return m.cause }

func NewAssociationError(relation string, cause error) error {
	return &myError{
		msg:    fmt.Sprintf("failed to resolve association %s: %s", relation, cause.Error()),
		target: ErrAssociation,
		cause:  cause,
	}
}

func NewMalformedPayloadError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrMalformedPayload,
	}
}

func NewNotFoundError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrNotFound,
	}
}

func NewTransportError(msg string, cause error) error {
	return &myError{
		msg:    msg,
		target: ErrTransport,
		cause:  cause,
	}
}

func NewUnknownResourceError(resource string) error {
	return &myError{
		msg:    fmt.Sprintf("unknown resource \"%s\"", resource),
		target: ErrUnknownResource,
	}
}

// HTTPError is a transport failure caused by a non successful response
type HTTPError struct {
	StatusCode int
	Type       string
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Type, e.Detail)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Detail)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrTransport
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

// StatusCode returns the status code of any HTTPError in err's chain, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func NewErrorFromProblemReport(code int, contentType string, body []byte) error {
	report := &struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}{}

	if err := json.Unmarshal(body, report); err != nil || report.Detail == "" {
		report.Detail = http.StatusText(code)
	}

	return &HTTPError{
		StatusCode: code,
		Type:       report.Type,
		Detail:     report.Detail,
	}
}
