// Package client is the device-side session controller for the voice
// relay. It owns the WebSocket transport, pumps chunks from a capture
// source, and plays response clips from a FIFO queue one at a time.
package client
