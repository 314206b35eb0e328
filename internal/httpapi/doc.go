// Package httpapi serves the relay's admin HTTP API: health, Prometheus
// metrics, thread listings, user blocking and the delivery failure log.
//
// Everything under /api requires the configured bearer token and an
// X-Admin-ID header naming an allow-listed admin.
package httpapi
