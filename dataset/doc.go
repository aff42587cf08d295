// Package dataset resolves dataset identifiers to host directories.
//
// A dataset is a directory directly under the configured data root whose name
// matches [a-zA-Z0-9._-]+. The Resolver canonicalizes every candidate path
// (following symlinks) and refuses anything that is not a strict descendant of
// the root or, for files, of the dataset directory.
package dataset
