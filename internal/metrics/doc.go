// Package metrics declares the relay's Prometheus collectors.
package metrics
