package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceAttributeMethod string = "http-method"
	TraceAttributeTenant string = "tenant"
	TraceAttributeURL    string = "url"
)

const DefaultAccept string = "application/json"

var tracer = otel.Tracer("context-cache-client")

func Debug(enabled string) func(*httpFetcher) {
	return func(c *httpFetcher) {
		c.debug = (enabled == "true")
	}
}

// Tenant is sent to the remote api in the TenantHeader of every request
func Tenant(tenant string) func(*httpFetcher) {
	return func(c *httpFetcher) {
		c.tenant = tenant
	}
}

func TenantHeader(header string) func(*httpFetcher) {
	return func(c *httpFetcher) {
		c.tenantHeader = header
	}
}

func BearerToken(token string) func(*httpFetcher) {
	return func(c *httpFetcher) {
		c.token = token
	}
}

func Accept(contentType string) func(*httpFetcher) {
	return func(c *httpFetcher) {
		c.accept = contentType
	}
}

func WithHTTPClient(hc *http.Client) func(*httpFetcher) {
	return func(c *httpFetcher) {
		c.httpClient = hc
	}
}

func New(options ...func(*httpFetcher)) types.Fetcher {
	c := &httpFetcher{
		tenantHeader: types.DefaultTenantHeader,
		accept:       DefaultAccept,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

type httpFetcher struct {
	httpClient   *http.Client
	tenant       string
	tenantHeader string
	token        string
	accept       string
	debug        bool
}

func (c *httpFetcher) Fetch(ctx context.Context, method, url string, body []byte) (*types.Response, error) {
	var err error

	ctx, span := tracer.Start(ctx, "fetch",
		trace.WithAttributes(
			attribute.String(TraceAttributeMethod, method),
			attribute.String(TraceAttributeURL, url),
			attribute.String(TraceAttributeTenant, c.tenant),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		err = fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
		return nil, err
	}

	req.Header.Set("Accept", c.accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set(c.tenantHeader, c.tenant)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = errors.NewTransportError(fmt.Sprintf("failed to send request: %s", err.Error()), err)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = errors.NewTransportError(fmt.Sprintf("failed to read response body: %s", err.Error()), err)
		return nil, err
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		log := logging.GetFromContext(ctx)
		log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	return &types.Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Header:     resp.Header,
	}, nil
}
