package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/diwise/context-cache/internal/pkg/application/push"
	"github.com/diwise/context-cache/internal/pkg/presentation/api/auth"
	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const TraceAttributeTenant string = "tenant"

var tracer = otel.Tracer("context-cache/api")

// PushSink accepts push events received by the api
type PushSink interface {
	Dispatch(ctx context.Context, events ...types.PushEvent) error
}

// Catalog describes the resources the cache holds
type Catalog interface {
	Resources() []string
	IDField(resource string) string
}

type options struct {
	tenantHeader string
}

type Option func(*options)

// TenantHeader names the request header the tenant is read from
func TenantHeader(header string) Option {
	return func(o *options) {
		if header != "" {
			o.tenantHeader = header
		}
	}
}

func RegisterHandlers(ctx context.Context, r chi.Router, policies io.Reader, sink PushSink, catalog Catalog, opts ...Option) error {
	o := &options{tenantHeader: types.DefaultTenantHeader}
	for _, opt := range opts {
		opt(o)
	}

	authenticator, err := auth.NewAuthenticator(ctx, policies)
	if err != nil {
		return fmt.Errorf("failed to create api authenticator: %w", err)
	}

	r.Get("/health", NewHealthHandler())

	r.Route("/api/v0", func(r chi.Router) {
		r.Use(
			Logger(logging.GetFromContext(ctx)),
			TenantMiddleware(o.tenantHeader),
			RequiredContentTypes([]string{"application/json", "application/ld+json"}),
		)

		r.Post("/notifications", NewNotificationHandler(sink, catalog, authenticator))
	})

	return nil
}

func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// NewNotificationHandler accepts a notification, or a single push event, and
// queues its events for the cache
func NewNotificationHandler(sink PushSink, catalog Catalog, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "receive-notification")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		traceID := span.SpanContext().TraceID().String()
		log := logging.GetFromContext(ctx)

		body, err := io.ReadAll(r.Body)
		defer r.Body.Close()
		if err != nil {
			errors.ReportBadRequestData(w, "failed to read request body", traceID)
			return
		}

		events, err := push.DecodeMessage(body, catalog.IDField)
		if err != nil {
			log.Warn("rejected push notification", "err", err.Error())
			errors.ReportBadRequestData(w, err.Error(), traceID)
			return
		}

		resources := []string{}
		for _, e := range events {
			if !slices.Contains(resources, e.Resource) {
				resources = append(resources, e.Resource)
			}
		}

		err = authenticator.CheckAccess(ctx, r, GetTenantFromContext(ctx), resources)
		if err != nil {
			errors.ReportUnauthorizedRequest(w, err.Error(), traceID)
			return
		}

		known := catalog.Resources()
		for _, resource := range resources {
			if !slices.Contains(known, resource) {
				err = errors.NewUnknownResourceError(resource)
				errors.ReportUnknownResource(w, err.Error(), traceID)
				return
			}
		}

		err = sink.Dispatch(ctx, events...)
		if err != nil {
			log.Error("failed to dispatch push notification", "err", err.Error())
			if errors.Is(err, push.ErrNotRunning) {
				errors.ReportUnavailable(w, "push receiver is shutting down", traceID)
			} else {
				errors.ReportInternalError(w, "unable to accept notifications right now", traceID)
			}
			return
		}

		log.Debug("accepted push notification", "events", len(events))

		w.WriteHeader(http.StatusAccepted)
	}
}

type tenantContextKey struct {
	name string
}

var tenantCtxKey = &tenantContextKey{"cache-tenant"}

func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(
				trace.SpanFromContext(ctx),
				logger,
				ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequiredContentTypes(validTypes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			isValidContentType := true

			if len(contentType) > 0 {
				isValidContentType = false

				for _, t := range validTypes {
					if strings.HasPrefix(contentType, t) {
						isValidContentType = true
						break
					}
				}
			}

			if isValidContentType {
				next.ServeHTTP(w, r)
			} else {
				errors.ReportUnsupportedMediaType(w, fmt.Sprintf("content type %s is not supported", contentType))
			}
		})
	}
}

// TenantMiddleware packs any tenant id found in header into the context
func TenantMiddleware(header string) func(http.Handler) http.Handler {
	tenantHeaderName := http.CanonicalHeaderKey(header)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := "default"

			if tenantHeader := r.Header[tenantHeaderName]; len(tenantHeader) > 0 {
				tenant = tenantHeader[0]
			}

			if labeler, found := otelhttp.LabelerFromContext(r.Context()); found {
				labeler.Add(attribute.String(TraceAttributeTenant, tenant))
			}

			ctx := context.WithValue(r.Context(), tenantCtxKey, tenant)

			ctx = logging.NewContextWithLogger(
				ctx,
				logging.GetFromContext(r.Context()),
				"tenant",
				tenant,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenantFromContext extracts the tenant name, if any, from the provided context
func GetTenantFromContext(ctx context.Context) string {
	tenant, ok := ctx.Value(tenantCtxKey).(string)

	if !ok {
		return ""
	}

	return tenant
}
