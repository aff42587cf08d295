// Package httpapi serves the REST task API.
//
// Routes:
//
//	POST /tasks              queue a task, 202 with {task_id, status}
//	GET  /tasks/{id}         job snapshot
//	GET  /tasks/{id}/result  captured output once SUCCEEDED
//	GET  /health             liveness
//	GET  /metrics            Prometheus exposition
//
// Lookups map store errors onto statuses: unknown ids are 404, unfinished
// jobs 409, and failed jobs carry their stored message with a status derived
// from the failure kind (timeouts 408, validation 400, provisioning 500).
package httpapi
