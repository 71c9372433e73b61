package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"legalrag/types"
)

// Loader turns one source file into documents.
type Loader interface {
	Supports(path string) bool
	Load(path string) ([]types.Document, error)
}

// ListFiles returns the files in dir that one of loaders accepts, sorted by
// name. A missing directory is a validation error.
func ListFiles(dir string, loaders ...Loader) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: data directory not found: %s", types.ErrValidation, dir)
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", types.ErrValidation, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if LoaderFor(path, loaders...) != nil {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoaderFor returns the first loader accepting path, or nil.
func LoaderFor(path string, loaders ...Loader) Loader {
	for _, l := range loaders {
		if l.Supports(path) {
			return l
		}
	}
	return nil
}
