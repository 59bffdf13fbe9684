// Package store provides sqlite persistence for the finance entities
// served by the REST API, with embedded schema migrations.
package store
