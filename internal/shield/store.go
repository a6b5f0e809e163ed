package shield

import (
	"fmt"
	"io"
	"time"
)

// Envelope is a decoded cache entry.
type Envelope struct {
	ContentType string
	Status      int
	Body        BodySource
}

// Store persists fetched bodies keyed by CacheKey. Lookup treats expired
// entries as absent; Put atomically replaces whatever is stored under key.
type Store interface {
	Lookup(key string) (Envelope, bool, error)
	Put(key, contentType string, status int, body io.Reader) (Envelope, error)
	Prune() (int, error)
	Close() error
}

const (
	backendFiles   = "files"
	backendLevelDB = "leveldb"
)

func openStore(cfg Config, warn *rateLimitedLogger) (Store, error) {
	switch cfg.Storage.Backend {
	case "", backendFiles:
		return newFileStore(cfg.Storage.CacheDir, cfg.Storage.expiryDur, warn)
	case backendLevelDB:
		return newLevelStore(cfg.Storage.CacheDir, cfg.Storage.expiryDur)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

type clock func() time.Time
