// Package constants provides shared constants used across the codebase.
package constants

import "time"

// HTTP frontend limits
const (
	// MaxUploadSize is the maximum accepted size of one uploaded photo
	MaxUploadSize = 32 << 20

	// ReadTimeout bounds reading a request, including its upload body
	ReadTimeout = 30 * time.Second

	// WriteTimeout bounds writing a response. Event streams outlive it via
	// http.ResponseController deadlines.
	WriteTimeout = 2 * time.Minute

	// IdleTimeout closes idle keep-alive connections
	IdleTimeout = 60 * time.Second

	// RequestTimeout is the per-request handler timeout for non-streaming routes
	RequestTimeout = time.Minute

	// ShutdownTimeout bounds graceful shutdown of the web server
	ShutdownTimeout = 10 * time.Second
)

// Event stream constants
const (
	// EventHeartbeatInterval is how often an idle event stream sends a comment line
	EventHeartbeatInterval = 25 * time.Second
)

// Ingest constants
const (
	// DrainTimeout bounds how long the ingest command waits for pending photos
	DrainTimeout = 30 * time.Minute
)
