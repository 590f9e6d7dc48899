package types

import (
	"context"
	"net/http"
)

// DefaultTenantHeader carries the tenant both to the remote api and into the push receiver
const DefaultTenantHeader string = "Tenant"

// Response is what a Fetcher hands back for a completed request, regardless of status
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Fetcher is the transport capability the cache depends on. Errors returned
// from Fetch are transport failures, HTTP level failures are reported through
// the status code of the response.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, body []byte) (*Response, error)
}

type FetcherFunc func(ctx context.Context, method, url string, body []byte) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, method, url string, body []byte) (*Response, error) {
	return f(ctx, method, url, body)
}

// URLResolver looks up the request url for a symbolic name and its positional arguments
type URLResolver interface {
	Resolve(name string, args ...string) (string, error)
}

type PushOperation string

const (
	PushMerge   PushOperation = "merge"
	PushReplace PushOperation = "replace"
	PushDelete  PushOperation = "delete"
)

// PushEvent is an entity change delivered by a push channel
type PushEvent struct {
	Resource   string         `json:"resource"`
	Op         PushOperation  `json:"op,omitempty"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}
