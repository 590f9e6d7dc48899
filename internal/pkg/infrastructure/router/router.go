package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/riandyrn/otelchi"
	"github.com/rs/cors"
)

type Option func(o *options)

type options struct {
	allowedOrigins []string
}

func AllowedOrigins(origins ...string) Option {
	return func(o *options) {
		o.allowedOrigins = origins
	}
}

// New creates the router of the push receiver with cors and tracing of
// every matched route
func New(serviceName string, opts ...Option) *chi.Mux {
	o := &options{allowedOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(o)
	}

	r := chi.NewRouter()

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   o.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))

	return r
}
