// Package main is the entry point for the datarun server.
//
// datarun executes untrusted Python against named datasets inside isolated,
// resource-capped sandboxes. Submissions are queued and run by a fixed pool
// of workers; callers poll for status and output through the MCP tools
// (stdio or streamable HTTP) or the REST task API, which also serves
// Prometheus metrics.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
