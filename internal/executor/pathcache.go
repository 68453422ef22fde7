// pathcache.go resolves argv[0] to an absolute executable path.
// Lookup uses a fixed search path instead of the caller's $PATH, which
// matters on the privileged side where the environment is not trusted.
package executor

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// PathCache caches executable lookups to avoid repeated stat walks.
// Only successful lookups are cached; a binary installed later is found on
// the next call.
type PathCache struct {
	dirs []string

	mu    sync.RWMutex
	cache map[string]string
}

// NewPathCache creates a cache searching the colon-separated searchPath.
func NewPathCache(searchPath string) *PathCache {
	return &PathCache{
		dirs:  filepath.SplitList(searchPath),
		cache: make(map[string]string),
	}
}

// Resolve returns the absolute path of the executable name.
// Names containing a slash are checked as given and never searched.
func (c *PathCache) Resolve(name string) (string, error) {
	if strings.Contains(name, "/") {
		if err := checkExecutable(name); err != nil {
			return "", fmt.Errorf("executable %s: %w", name, err)
		}
		return name, nil
	}

	c.mu.RLock()
	if path, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	for _, dir := range c.dirs {
		candidate := filepath.Join(dir, name)
		if checkExecutable(candidate) != nil {
			continue
		}
		c.mu.Lock()
		c.cache[name] = candidate
		c.mu.Unlock()
		return candidate, nil
	}

	return "", fmt.Errorf("executable %q not found in %s: %w", name, strings.Join(c.dirs, ":"), exec.ErrNotFound)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return fs.ErrPermission
	}
	return nil
}
