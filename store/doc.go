// Package store holds job records for the lifetime of the process.
//
// Jobs are written under a single mutex and handed out as copies, so readers
// never observe a half-written transition. Nothing is persisted.
package store
