// Package envfile loads KEY=VALUE configuration from a .env file without
// touching the process environment. Quoted values keep their interior
// verbatim; unquoted values have " #" inline comments stripped; a missing
// file yields an empty map.
package envfile

import (
	"os"
	"sync"

	"github.com/joho/godotenv"
)

// DefaultPath is the .env file loaded by Load. Results for this path are
// cached for the lifetime of the process; Reset clears the cache.
const DefaultPath = ".env"

var (
	mu     sync.Mutex
	cached map[string]string
)

// Load reads the default .env file, caching the parsed map. Subsequent calls
// return the cached result until Reset is called.
func Load() map[string]string {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil {
		return cached
	}
	cached = parse(DefaultPath)
	return cached
}

// LoadPath reads an arbitrary env file. It bypasses the cache: only the
// default path is cached (overrides exist for tests and are re-read each
// call).
func LoadPath(path string) map[string]string {
	if path == "" || path == DefaultPath {
		return Load()
	}
	return parse(path)
}

// Reset clears the cached default-path result. Exposed for tests and for the
// file watcher.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}

func parse(path string) map[string]string {
	if _, err := os.Stat(path); err != nil {
		return map[string]string{}
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return map[string]string{}
	}
	return env
}

// Get returns the value for key from the default env file, or the empty
// string when absent. Missing keys are treated as "disabled".
func Get(key string) string {
	return Load()[key]
}
