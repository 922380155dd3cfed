// Package synth is the serving-side boundary: artifact loaders for voice and
// model files, and an engine that routes synthesis through the cache,
// degradation, and performance layers.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LoadError describes a failed artifact load. Retryable distinguishes
// transient IO failures from permanent ones like a missing file.
type LoadError struct {
	Key       string
	Retryable bool
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a LoadError worth retrying. Errors that
// are not LoadErrors are treated as retryable.
func IsRetryable(err error) bool {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return true
}

// FSLoader reads artifacts from a directory tree, keyed by relative path.
type FSLoader struct {
	root string
}

// NewFSLoader creates a loader rooted at dir.
func NewFSLoader(dir string) *FSLoader {
	return &FSLoader{root: dir}
}

// Load satisfies cache.LoaderFunc. A missing file is a permanent failure;
// other IO errors are retryable.
func (l *FSLoader) Load(ctx context.Context, key string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	path := filepath.Join(l.root, filepath.Clean("/"+key))
	data, err := os.ReadFile(path)
	if err != nil {
		retryable := !errors.Is(err, fs.ErrNotExist)
		return nil, 0, &LoadError{Key: key, Retryable: retryable, Err: err}
	}
	return data, int64(len(data)), nil
}
