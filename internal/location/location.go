// Package location implements the classpath locations plugins are loaded
// from: plain local directories and zip archives stored in S3.
package location

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jward/kiln/internal/classpath"
)

// FetchError reports a location whose contents could not be made available.
type FetchError struct {
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("location: fetching %s: %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Directory is a plugin directory on the local filesystem. Its contents are
// used in place.
type Directory struct {
	path string
}

var _ classpath.Location = (*Directory)(nil)

// NewDirectory returns a location for the directory at path.
func NewDirectory(path string) *Directory {
	return &Directory{path: path}
}

// Identifier returns the path as given.
func (d *Directory) Identifier() string {
	return d.path
}

// Directory returns the absolute path with symlinks evaluated, so that every
// spelling of the same directory shares one classpath.
func (d *Directory) Directory() (string, error) {
	return Normalize(d.path)
}

// Fetch checks that dir exists and is a directory.
func (d *Directory) Fetch(_ context.Context, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return &FetchError{Location: d.path, Err: err}
	}
	if !info.IsDir() {
		return &FetchError{Location: d.path, Err: fmt.Errorf("%s is not a directory", dir)}
	}
	return nil
}

// Normalize makes path absolute and resolves symlinks. A path that does not
// exist yet is returned cleaned and absolute.
func Normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("location: resolving %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if os.IsNotExist(err) {
		return abs, nil
	}
	if err != nil {
		return "", fmt.Errorf("location: resolving %s: %w", path, err)
	}
	return resolved, nil
}
