package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Resolver errors. Messages wrapping them name the dataset or file as the
// caller wrote it and never the host path.
var (
	ErrInvalidIdentifier = errors.New("invalid dataset identifier")
	ErrPathEscape        = errors.New("path escapes dataset root")
	ErrNotFound          = errors.New("not found")
	ErrRootUnavailable   = errors.New("data root cannot be resolved")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// File is a host file selected for a job.
type File struct {
	// Name is the base name used to build in-sandbox destinations.
	Name string
	// Path is the canonical host path.
	Path string
}

// Resolver maps dataset identifiers to directories under a data root.
type Resolver struct {
	root string
}

// NewResolver creates a Resolver for the given data root. The root does not
// need to exist yet; it is canonicalized on every call.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the configured data root.
func (r *Resolver) Root() string {
	return r.root
}

// ValidateID reports whether id is a well-formed dataset identifier.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q contains characters outside [a-zA-Z0-9._-]", ErrInvalidIdentifier, id)
	}
	return nil
}

// Resolve returns the canonical directory of a dataset.
func (r *Resolver) Resolve(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}

	root, err := r.canonicalRoot()
	if err != nil {
		return "", err
	}

	candidate := filepath.Join(root, id)
	if !within(root, candidate) {
		return "", fmt.Errorf("%w: dataset %q", ErrPathEscape, id)
	}

	dir, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("dataset %q: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("dataset %q: cannot resolve directory", id)
	}
	if !within(root, dir) {
		return "", fmt.Errorf("%w: dataset %q", ErrPathEscape, id)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("dataset %q: %w", id, ErrNotFound)
	}
	return dir, nil
}

// ListFiles returns the files of a resolved dataset directory. With no names
// it returns every regular file directly inside dir; otherwise each name is
// resolved relative to dir and must stay inside it.
func (r *Resolver) ListFiles(dir string, names []string) ([]File, error) {
	if len(names) == 0 {
		return listAll(dir)
	}

	files := make([]File, 0, len(names))
	for _, name := range names {
		f, err := resolveFile(dir, name)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (r *Resolver) canonicalRoot() (string, error) {
	abs, err := filepath.Abs(r.root)
	if err != nil {
		return "", ErrRootUnavailable
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("data root: %w", ErrNotFound)
		}
		// the underlying *PathError names the host path
		return "", ErrRootUnavailable
	}
	return root, nil
}

func listAll(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset directory: %w", ErrNotFound)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, err := resolveFile(dir, entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// dangling symlinks and sockets are skipped
				continue
			}
			return nil, err
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func resolveFile(dir, name string) (File, error) {
	if name == "" {
		return File{}, fmt.Errorf("empty file name: %w", ErrNotFound)
	}
	if filepath.IsAbs(name) {
		return File{}, fmt.Errorf("%w: file %q", ErrPathEscape, name)
	}

	candidate := filepath.Join(dir, name)
	if !within(dir, candidate) {
		return File{}, fmt.Errorf("%w: file %q", ErrPathEscape, name)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return File{}, fmt.Errorf("file %q: %w", name, ErrNotFound)
	}
	if !within(dir, resolved) {
		return File{}, fmt.Errorf("%w: file %q", ErrPathEscape, name)
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("file %q: %w", name, ErrNotFound)
	}

	return File{Name: filepath.Base(candidate), Path: resolved}, nil
}

// within reports whether target is a strict descendant of base. Both paths
// must be clean and absolute.
func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
