// Package mcpserver exposes the job queue as Model Context Protocol tools.
//
// It uses the mark3labs/mcp-go library for the protocol and registers three
// tools: submit_task queues code against datasets, get_task reports status
// and get_task_result returns captured output once the task has finished.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, jobQueue)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
