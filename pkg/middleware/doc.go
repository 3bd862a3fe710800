// Package middleware provides net/http middleware for the admin surface.
//
// This package includes:
//   - OpenTelemetry tracing of admin requests
//   - Prometheus request metrics
//
// Both are plain func(http.Handler) http.Handler values and plug into chi:
//
//	r := chi.NewRouter()
//	r.Use(middleware.OpenTelemetry())
//	r.Use(middleware.Prometheus(middleware.WithRegistry(reg)))
//
// Route labels use the chi route pattern when one is available, so
// /peers/{id} is one series no matter how many peers are queried.
package middleware
