// Package session provides voice session lifecycle tracking and the
// registry owning the session-id map, including idle-timeout eviction.
package session
