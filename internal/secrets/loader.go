package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Static returns a Loader that always yields the given non-empty values.
func Static(vals map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(vals))
		for k, v := range vals {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// DirLoader reads every regular file in dir as one secret named after the
// file, the layout of a mounted Kubernetes secret. Surrounding whitespace is
// trimmed. A missing directory yields no secrets.
func DirLoader(dir string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		if dir == "" {
			return vals, nil
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return vals, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read secrets dir: %w", err)
		}
		for _, e := range entries {
			// Mounted secrets expose ..data symlinks alongside the keys.
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			data, err := os.ReadFile(path) //nolint:gosec // G304: path is inside the configured secrets dir
			if err != nil {
				return nil, fmt.Errorf("read secret %s: %w", e.Name(), err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				vals[e.Name()] = v
			}
		}
		return vals, nil
	}
}

// Chain merges loaders in order; later loaders win on key conflicts.
func Chain(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, l := range loaders {
			m, err := l()
			if err != nil {
				return nil, err
			}
			for k, v := range m {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
