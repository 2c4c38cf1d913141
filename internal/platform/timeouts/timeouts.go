// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// StoreOp bounds a single round trip to a durable store. A hung database
// fails the step as a transient error instead of blocking the worker.
const StoreOp = 3 * time.Second

// JobApply caps one handler invocation, including every store step it makes.
const JobApply = 20 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
