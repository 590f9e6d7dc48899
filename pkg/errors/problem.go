package errors

import (
	"encoding/json"
	"net/http"
)

// ProblemReportContentType as defined by RFC 7807
const ProblemReportContentType string = "application/problem+json"

const ProblemTypeBase string = "https://github.com/diwise/context-cache/problems/"

// Problem kinds reported by the push receiver
const (
	ProblemBadRequestData   string = "bad-request-data"
	ProblemUnknownResource  string = "unknown-resource"
	ProblemUnauthorized     string = "unauthorized"
	ProblemUnsupportedMedia string = "unsupported-media-type"
	ProblemUnavailable      string = "unavailable"
	ProblemInternal         string = "internal-error"
)

var problemTitles = map[string]string{
	ProblemBadRequestData:   "Bad Request Data",
	ProblemUnknownResource:  "Unknown Resource",
	ProblemUnauthorized:     "Unauthorized Request",
	ProblemUnsupportedMedia: "Unsupported Media Type",
	ProblemUnavailable:      "Service Unavailable",
	ProblemInternal:         "Internal Error",
}

// Problem is an RFC 7807 problem details response
type Problem struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail"`
	TraceID string `json:"traceID,omitempty"`
}

func NewProblem(status int, kind, detail, traceID string) *Problem {
	return &Problem{
		Type:    ProblemTypeBase + kind,
		Title:   problemTitles[kind],
		Status:  status,
		Detail:  detail,
		TraceID: traceID,
	}
}

func (p *Problem) Error() string {
	return p.Title + ": " + p.Detail
}

func (p *Problem) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ProblemReportContentType)
	w.Header().Set("Content-Language", "en")
	w.WriteHeader(p.Status)

	if b, err := json.MarshalIndent(p, "", "  "); err == nil {
		w.Write(b)
	}
}

func ReportBadRequestData(w http.ResponseWriter, detail, traceID string) {
	NewProblem(http.StatusBadRequest, ProblemBadRequestData, detail, traceID).Write(w)
}

func ReportUnknownResource(w http.ResponseWriter, detail, traceID string) {
	NewProblem(http.StatusNotFound, ProblemUnknownResource, detail, traceID).Write(w)
}

func ReportUnauthorizedRequest(w http.ResponseWriter, detail, traceID string) {
	NewProblem(http.StatusUnauthorized, ProblemUnauthorized, detail, traceID).Write(w)
}

func ReportUnsupportedMediaType(w http.ResponseWriter, detail string) {
	NewProblem(http.StatusUnsupportedMediaType, ProblemUnsupportedMedia, detail, "").Write(w)
}

func ReportUnavailable(w http.ResponseWriter, detail, traceID string) {
	NewProblem(http.StatusServiceUnavailable, ProblemUnavailable, detail, traceID).Write(w)
}

func ReportInternalError(w http.ResponseWriter, detail, traceID string) {
	NewProblem(http.StatusInternalServerError, ProblemInternal, detail, traceID).Write(w)
}
