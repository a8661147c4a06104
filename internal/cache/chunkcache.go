package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/internal/metrics"
)

// ChunkCache layers the typed namespaces over a Store. All lookups report
// hit-or-miss only; store faults are logged at debug and degrade to a miss,
// set and delete faults are logged and dropped.
type ChunkCache struct {
	store Store
	ttls  TTLs
	met   *metrics.Metrics
	log   *logrus.Logger
}

// New builds a ChunkCache over store.
func New(store Store, ttls TTLs, met *metrics.Metrics, log *logrus.Logger) *ChunkCache {
	return &ChunkCache{store: store, ttls: ttls, met: met, log: log}
}

// Close releases the underlying store.
func (c *ChunkCache) Close() error {
	return c.store.Close()
}

func (c *ChunkCache) get(ctx context.Context, namespace, key string) ([]byte, bool) {
	b, err := c.store.Get(ctx, namespace+":"+key)
	if err != nil {
		if err != ErrNotFound {
			c.log.WithError(err).WithField("namespace", namespace).Debug("cache get fault")
		}
		c.met.CacheMisses.WithLabelValues(namespace).Inc()
		return nil, false
	}
	c.met.CacheHits.WithLabelValues(namespace).Inc()
	return b, true
}

func (c *ChunkCache) set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) {
	if err := c.store.Set(ctx, namespace+":"+key, value, ttl); err != nil {
		c.log.WithError(err).WithField("namespace", namespace).Debug("cache set fault")
	}
}

func (c *ChunkCache) delete(ctx context.Context, namespace, key string) {
	if err := c.store.Delete(ctx, namespace+":"+key); err != nil {
		c.log.WithError(err).WithField("namespace", namespace).Debug("cache delete fault")
	}
}

func (c *ChunkCache) getJSON(ctx context.Context, namespace, key string, out any) bool {
	b, ok := c.get(ctx, namespace, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		c.log.WithError(err).WithField("namespace", namespace).Debug("cache decode fault")
		c.delete(ctx, namespace, key)
		return false
	}
	return true
}

func (c *ChunkCache) setJSON(ctx context.Context, namespace, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).WithField("namespace", namespace).Debug("cache encode fault")
		return
	}
	c.set(ctx, namespace, key, b, ttl)
}

// ChunkData returns cached chunk bytes.
func (c *ChunkCache) ChunkData(ctx context.Context, chunkID string) ([]byte, bool) {
	return c.get(ctx, NamespaceChunkData, chunkID)
}

// SetChunkData caches chunk bytes.
func (c *ChunkCache) SetChunkData(ctx context.Context, chunkID string, data []byte) {
	c.set(ctx, NamespaceChunkData, chunkID, data, c.ttls.ChunkData)
}

// InvalidateChunkData drops a chunk payload, used when a fetched payload
// disagreed with the stored digest.
func (c *ChunkCache) InvalidateChunkData(ctx context.Context, chunkID string) {
	c.delete(ctx, NamespaceChunkData, chunkID)
}

// FileMeta returns the cached file projection.
func (c *ChunkCache) FileMeta(ctx context.Context, fileID string) (*FileView, bool) {
	var v FileView
	if !c.getJSON(ctx, NamespaceFileMetadata, fileID, &v) {
		return nil, false
	}
	return &v, true
}

// SetFileMeta caches a file projection.
func (c *ChunkCache) SetFileMeta(ctx context.Context, v FileView) {
	c.setJSON(ctx, NamespaceFileMetadata, v.ID, v, c.ttls.FileMetadata)
}

// InvalidateFile drops the file projection and the owner's listing. Called
// on every file mutation.
func (c *ChunkCache) InvalidateFile(ctx context.Context, fileID, ownerID string) {
	c.delete(ctx, NamespaceFileMetadata, fileID)
	c.delete(ctx, NamespaceUserFiles, ownerID)
}

// UserFiles returns the cached listing for an owner.
func (c *ChunkCache) UserFiles(ctx context.Context, ownerID string) ([]FileView, bool) {
	var v []FileView
	if !c.getJSON(ctx, NamespaceUserFiles, ownerID, &v) {
		return nil, false
	}
	return v, true
}

// SetUserFiles caches an owner's listing.
func (c *ChunkCache) SetUserFiles(ctx context.Context, ownerID string, files []FileView) {
	c.setJSON(ctx, NamespaceUserFiles, ownerID, files, c.ttls.UserFiles)
}

// Share returns the cached share projection for a token.
func (c *ChunkCache) Share(ctx context.Context, token string) (*ShareView, bool) {
	var v ShareView
	if !c.getJSON(ctx, NamespaceShareInfo, token, &v) {
		return nil, false
	}
	return &v, true
}

// SetShare caches a share projection under its token.
func (c *ChunkCache) SetShare(ctx context.Context, v ShareView) {
	c.setJSON(ctx, NamespaceShareInfo, v.Token, v, c.ttls.ShareInfo)
}

// InvalidateShare drops a share projection. Called on share mutation.
func (c *ChunkCache) InvalidateShare(ctx context.Context, token string) {
	c.delete(ctx, NamespaceShareInfo, token)
}

// NodesHealth returns the last probe snapshot.
func (c *ChunkCache) NodesHealth(ctx context.Context) (*NodesHealth, bool) {
	var v NodesHealth
	if !c.getJSON(ctx, NamespaceNodesHealth, "snapshot", &v) {
		return nil, false
	}
	return &v, true
}

// SetNodesHealth stores the probe snapshot.
func (c *ChunkCache) SetNodesHealth(ctx context.Context, v NodesHealth) {
	c.setJSON(ctx, NamespaceNodesHealth, "snapshot", v, c.ttls.NodesHealth)
}
