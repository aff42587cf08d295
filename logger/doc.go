// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger shared by every component. Job
// scoped loggers are derived from it with a job_id field by the queue.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("queue started", zap.Int("workers", 2))
package logger
