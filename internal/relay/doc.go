// Package relay implements the per-connection voice protocol: the client
// JSON message vocabulary, the session state machine, turn-buffered
// reassembly of streamed model audio, and the relay error taxonomy.
package relay
