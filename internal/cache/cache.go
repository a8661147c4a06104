// Package cache implements the read-through chunk cache. A Store holds raw
// keys and bytes with a TTL; ChunkCache layers the typed namespaces on top.
// Cache faults never fail a request: every ChunkCache method swallows store
// errors and reports a miss instead.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is a key-value cache with per-entry TTL and atomic set-with-expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Cache namespaces.
const (
	NamespaceChunkData    = "chunk_data"
	NamespaceFileMetadata = "file_metadata"
	NamespaceUserFiles    = "user_files"
	NamespaceShareInfo    = "share_info"
	NamespaceNodesHealth  = "nodes_health"
)

// TTLs holds the per-namespace expiries.
type TTLs struct {
	ChunkData    time.Duration
	FileMetadata time.Duration
	UserFiles    time.Duration
	ShareInfo    time.Duration
	NodesHealth  time.Duration
}

// DefaultTTLs returns the stock namespace TTLs.
func DefaultTTLs() TTLs {
	return TTLs{
		ChunkData:    3600 * time.Second,
		FileMetadata: 600 * time.Second,
		UserFiles:    300 * time.Second,
		ShareInfo:    1800 * time.Second,
		NodesHealth:  300 * time.Second,
	}
}

// TTLsFromOverrides applies per-namespace overrides (seconds) on top of the
// defaults. Unknown namespaces are ignored.
func TTLsFromOverrides(overrides map[string]int) TTLs {
	t := DefaultTTLs()
	for name, secs := range overrides {
		if secs <= 0 {
			continue
		}
		d := time.Duration(secs) * time.Second
		switch name {
		case NamespaceChunkData:
			t.ChunkData = d
		case NamespaceFileMetadata:
			t.FileMetadata = d
		case NamespaceUserFiles:
			t.UserFiles = d
		case NamespaceShareInfo:
			t.ShareInfo = d
		case NamespaceNodesHealth:
			t.NodesHealth = d
		}
	}
	return t
}
