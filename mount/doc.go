// Package mount decides where dataset files appear inside a sandbox.
//
// Every file is staged at <workdir>/input/<dataset>/<name>. Rules add
// compatibility aliases for files named after their dataset, so code that
// reads data.csv, <dataset>.csv or a bare <dataset> path finds the same bytes.
package mount
