// Package queue turns execution requests into asynchronous jobs.
//
// Submit validates and preflights a request, records the job in a
// store.Store and returns at once. A fixed pool of workers, sized to the
// sandbox concurrency limit, takes jobs in submission order and runs each in
// its own sandbox session. The pool is the only admission control: the
// pending list is unbounded.
package queue
