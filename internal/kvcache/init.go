package kvcache

import (
	"fmt"

	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/pkg/mapfile"
)

// LoadInit resets every store and fills it from a precomputed cache file
// holding the first tokens of a conversation. An empty path leaves the
// stores zeroed.
func LoadInit(log logger.Logger, path string, tokens int, stores ...Store) error {
	for _, s := range stores {
		s.Reset()
	}
	if path == "" {
		log.Debug("cache init: zero initialization")
		return nil
	}

	f, err := mapfile.Open(path)
	if err != nil {
		return fmt.Errorf("open init cache: %w", err)
	}
	defer func() { _ = f.Close() }()

	for i, s := range stores {
		if want := len(s.Bytes()); want != f.Len() {
			log.Warn("init cache size mismatch", "cache", i, "expected", want, "actual", f.Len())
		}
		data := f.Data
		if len(data) > len(s.Bytes()) {
			data = data[:len(s.Bytes())]
		}
		if err := s.Restore(data, tokens); err != nil {
			return fmt.Errorf("restore cache %d: %w", i, err)
		}
	}
	log.Debug("cache init: precomputed", "path", path, "tokens", tokens, "caches", len(stores))
	return nil
}
