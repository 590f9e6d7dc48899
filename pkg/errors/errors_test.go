package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestProblemReportBecomesTransportError(t *testing.T) {
	is := is.New(t)

	b, _ := json.Marshal(NewProblem(http.StatusBadRequest, ProblemBadRequestData, "bad things", "traceID"))

	err := NewErrorFromProblemReport(http.StatusBadRequest, ProblemReportContentType, b)

	is.True(errors.Is(err, ErrTransport))
	is.True(!errors.Is(err, ErrNotFound))
	is.Equal(StatusCode(err), http.StatusBadRequest)
	is.Equal(err.Error(), "http 400 https://github.com/diwise/context-cache/problems/bad-request-data: bad things")
}

func TestProblemReportWithUnparsableBodyUsesStatusText(t *testing.T) {
	is := is.New(t)

	err := NewErrorFromProblemReport(http.StatusBadGateway, "text/html", []byte("<html/>"))

	is.Equal(err.Error(), "http 502: Bad Gateway")
}

func TestWrappedErrorsMatchTheirSentinel(t *testing.T) {
	is := is.New(t)

	cause := NewTransportError("failed to send request", fmt.Errorf("connection refused"))
	err := fmt.Errorf("refresh failed: %w", NewAssociationError("books", cause))

	is.True(errors.Is(err, ErrAssociation))
	is.True(errors.Is(err, ErrTransport)) // cause should be reachable through Unwrap
	is.True(errors.Is(NewMalformedPayloadError("nope"), ErrMalformedPayload))
	is.True(errors.Is(NewUnknownResourceError("x"), ErrUnknownResource))
	is.Equal(StatusCode(err), 0)
}

func TestWriteResponse(t *testing.T) {
	is := is.New(t)

	w := httptest.NewRecorder()
	ReportUnauthorizedRequest(w, "go away", "")

	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(w.Header().Get("Content-Type"), ProblemReportContentType)

	report := map[string]any{}
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &report))
	is.Equal(report["type"], ProblemTypeBase+ProblemUnauthorized)
	is.Equal(report["title"], "Unauthorized Request")
	is.Equal(report["status"], 401.0)
	is.Equal(report["detail"], "go away")
	_, hasTraceID := report["traceID"]
	is.True(!hasTraceID)
}

func TestUnknownResourceProblem(t *testing.T) {
	is := is.New(t)

	w := httptest.NewRecorder()
	ReportUnknownResource(w, "no such resource", "abc")

	is.Equal(w.Code, http.StatusNotFound)

	p := Problem{}
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &p))
	is.Equal(p.Type, ProblemTypeBase+ProblemUnknownResource)
	is.Equal(p.TraceID, "abc")
}
