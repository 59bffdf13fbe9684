// Package server hosts the HTTP listener for the finvoice backend: the
// /ws/voice WebSocket endpoint that bridges mobile clients to the
// streaming speech model, the finance REST endpoints backed by the
// sqlite store, and the health, sessions and Prometheus metrics
// monitoring surface.
package server
