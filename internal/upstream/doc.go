// Package upstream abstracts the third-party bidirectional streaming
// audio API. The Dialer/Handle interfaces are the only surface the relay
// sees; the WebSocket wire format is an implementation detail.
package upstream
