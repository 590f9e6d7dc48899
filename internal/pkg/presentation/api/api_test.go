package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/diwise/context-cache/internal/pkg/application/push"
	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
)

type sinkMock struct {
	mu     sync.Mutex
	err    error
	events []types.PushEvent
}

func (s *sinkMock) Dispatch(ctx context.Context, events ...types.PushEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

type catalogMock struct{}

func (catalogMock) Resources() []string   { return []string{"authors"} }
func (catalogMock) IDField(string) string { return "id" }

func TestHealth(t *testing.T) {
	is, ts, _ := setupTest(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusOK)
}

func TestNotificationIsAccepted(t *testing.T) {
	is, ts, sink := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, "letmein", bytes.NewBufferString(notificationJSON))

	is.Equal(resp.StatusCode, http.StatusAccepted) // Check status code
	is.Equal(len(sink.events), 2)
	is.Equal(sink.events[1].ID, "a2")
	is.Equal(sink.events[1].Resource, "authors")
}

func TestSinglePushEventIsAccepted(t *testing.T) {
	is, ts, sink := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, "letmein", bytes.NewBufferString(`{"resource":"authors","op":"delete","id":"a1"}`))

	is.Equal(resp.StatusCode, http.StatusAccepted)
	is.Equal(sink.events[0].Op, types.PushDelete)
}

func TestNotificationWithBadDataReturnsBadRequest(t *testing.T) {
	is, ts, sink := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, "letmein", bytes.NewBufferString("this is not my json"))

	is.Equal(resp.StatusCode, http.StatusBadRequest) // Check status code
	is.Equal(resp.Header.Get("Content-Type"), "application/problem+json")
	is.True(len(body) > 0)
	is.Equal(len(sink.events), 0)
}

func TestNotificationForUnknownResourceReturnsNotFound(t *testing.T) {
	is, ts, sink := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, "letmein", bytes.NewBufferString(`{"resource":"publishers","id":"p1"}`))

	is.Equal(resp.StatusCode, http.StatusNotFound)
	is.True(strings.Contains(body, errors.ProblemTypeBase+errors.ProblemUnknownResource))
	is.Equal(len(sink.events), 0)
}

func TestNotificationWhileShuttingDownReturnsServiceUnavailable(t *testing.T) {
	is, ts, sink := setupTest(t)
	defer ts.Close()

	sink.err = fmt.Errorf("queue closed: %w", push.ErrNotRunning)

	resp, _ := newTestRequest(is, ts, "letmein", bytes.NewBufferString(notificationJSON))

	is.Equal(resp.StatusCode, http.StatusServiceUnavailable)
}

func TestTenantIsReadFromTheConfiguredHeader(t *testing.T) {
	is := is.New(t)
	r := chi.NewRouter()
	ts := httptest.NewServer(r)
	defer ts.Close()

	sink := &sinkMock{}
	err := RegisterHandlers(context.Background(), r, bytes.NewBufferString(tenantPolicies), sink, catalogMock{}, TenantHeader("X-Municipality"))
	is.NoErr(err)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v0/notifications", bytes.NewBufferString(notificationJSON))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Municipality", "kommunen")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusAccepted)
	is.Equal(len(sink.events), 2)
}

func TestNotificationWithoutTokenIsUnauthorized(t *testing.T) {
	is, ts, sink := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, "", bytes.NewBufferString(notificationJSON))

	is.Equal(resp.StatusCode, http.StatusUnauthorized)
	is.Equal(len(sink.events), 0)
}

func TestNotificationWithWrongContentTypeReturnsUnsupportedMediaType(t *testing.T) {
	is, ts, _ := setupTest(t)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v0/notifications", bytes.NewBufferString(notificationJSON))
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err) // http request failed
	defer resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusUnsupportedMediaType) // Check status code
}

func newTestRequest(is *is.I, ts *httptest.Server, token string, body io.Reader) (*http.Response, string) {
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v0/notifications", body)
	req.Header.Add("Content-Type", "application/json")
	if token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err) // http request failed
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return resp, string(respBody)
}

func setupTest(t *testing.T) (*is.I, *httptest.Server, *sinkMock) {
	is := is.New(t)
	r := chi.NewRouter()
	ts := httptest.NewServer(r)

	sink := &sinkMock{}

	err := RegisterHandlers(context.Background(), r, bytes.NewBufferString(testPolicies), sink, catalogMock{})
	is.NoErr(err)

	return is, ts, sink
}

const testPolicies string = `
package example.authz

default allow := false

allow = response {
    input.token == "letmein"
    response := {}
}
`

const tenantPolicies string = `
package example.authz

default allow := false

allow = response {
    input.tenant == "kommunen"
    response := {}
}
`

var notificationJSON string = `{
    "id": "7d3e5b0a-3c55-4a52-9a39-0f4c5f3d9d61",
    "type": "Notification",
    "subscriptionId": "sub1",
    "notifiedAt": "2024-05-01T12:00:00Z",
    "resource": "authors",
    "data": [
        {"id": "a1", "name": "Astrid"},
        {"id": "a2", "name": "Tove"}
    ]
}`
