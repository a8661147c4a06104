package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chunkvault/chunkvault/internal/metadata"
	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/pkg/logging"
)

func newTestCache(t *testing.T, store Store) *ChunkCache {
	t.Helper()
	c := New(store, DefaultTTLs(), metrics.New(nil), logging.NewLogger(true))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryStoreTTL(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 40*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := m.Get(ctx, "k"); err != nil || string(v) != "v" {
		t.Fatalf("get before expiry: %q, %v", v, err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := m.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected miss after TTL, got %v", err)
	}
}

func TestChunkDataNamespace(t *testing.T) {
	c := newTestCache(t, NewMemory())
	ctx := context.Background()

	if _, ok := c.ChunkData(ctx, "c1"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.SetChunkData(ctx, "c1", []byte("payload"))
	data, ok := c.ChunkData(ctx, "c1")
	if !ok || string(data) != "payload" {
		t.Fatalf("expected hit with payload, got %q, %v", data, ok)
	}
	c.InvalidateChunkData(ctx, "c1")
	if _, ok := c.ChunkData(ctx, "c1"); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestFileViewRoundTrip(t *testing.T) {
	c := newTestCache(t, NewMemory())
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	file := &metadata.File{
		ID: "f1", OwnerID: "alice", Name: "a.bin", MIMEType: "application/octet-stream",
		Size: 42, ChunkCount: 1, Checksum: "abc", Version: 1,
		Status: metadata.FileCompleted, CreatedAt: now, UpdatedAt: now,
	}
	c.SetFileMeta(ctx, NewFileView(file))

	view, ok := c.FileMeta(ctx, "f1")
	if !ok {
		t.Fatal("expected hit")
	}
	back := view.File()
	if back.ID != file.ID || back.Status != file.Status || back.Size != file.Size {
		t.Errorf("view round trip mismatch: %+v", back)
	}

	c.InvalidateFile(ctx, "f1", "alice")
	if _, ok := c.FileMeta(ctx, "f1"); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestInvalidateFileDropsOwnerListing(t *testing.T) {
	c := newTestCache(t, NewMemory())
	ctx := context.Background()

	c.SetUserFiles(ctx, "alice", []FileView{{ID: "f1", OwnerID: "alice"}})
	if _, ok := c.UserFiles(ctx, "alice"); !ok {
		t.Fatal("expected listing hit")
	}
	c.InvalidateFile(ctx, "f1", "alice")
	if _, ok := c.UserFiles(ctx, "alice"); ok {
		t.Fatal("file mutation must drop the owner listing")
	}
}

func TestShareNamespace(t *testing.T) {
	c := newTestCache(t, NewMemory())
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	share := &metadata.Share{ID: "s1", FileID: "f1", OwnerID: "alice", Token: "tok", ExpiresAt: &expires}
	c.SetShare(ctx, NewShareView(share))

	view, ok := c.Share(ctx, "tok")
	if !ok {
		t.Fatal("expected hit")
	}
	if view.ExpiresAt == nil || !view.ExpiresAt.Equal(expires) {
		t.Errorf("expiry lost in round trip: %v", view.ExpiresAt)
	}
	c.InvalidateShare(ctx, "tok")
	if _, ok := c.Share(ctx, "tok"); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestNodesHealthNamespace(t *testing.T) {
	c := newTestCache(t, NewMemory())
	ctx := context.Background()

	snapshot := NodesHealth{
		Nodes:   []NodeHealth{{NodeID: "http://n1", Healthy: true, LatencyMS: 4}},
		TakenAt: time.Now().UTC().Truncate(time.Second),
	}
	c.SetNodesHealth(ctx, snapshot)

	got, ok := c.NodesHealth(ctx)
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got.Nodes) != 1 || !got.Nodes[0].Healthy {
		t.Errorf("snapshot mismatch: %+v", got)
	}
}

// faultyStore fails every operation; the cache must degrade to misses.
type faultyStore struct{}

func (faultyStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}
func (faultyStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}
func (faultyStore) Delete(context.Context, string) error { return errors.New("backend down") }
func (faultyStore) Close() error                         { return nil }

func TestFaultsDegradeToMiss(t *testing.T) {
	c := newTestCache(t, faultyStore{})
	ctx := context.Background()

	c.SetChunkData(ctx, "c1", []byte("payload")) // must not panic or error
	if _, ok := c.ChunkData(ctx, "c1"); ok {
		t.Fatal("faulty backend must read as a miss")
	}
	c.InvalidateFile(ctx, "f1", "alice")
	if _, ok := c.FileMeta(ctx, "f1"); ok {
		t.Fatal("faulty backend must read as a miss")
	}
}

func TestTTLOverrides(t *testing.T) {
	ttls := TTLsFromOverrides(map[string]int{
		NamespaceChunkData: 10,
		"unknown":          99,
		NamespaceUserFiles: -1,
	})
	if ttls.ChunkData != 10*time.Second {
		t.Errorf("override not applied: %v", ttls.ChunkData)
	}
	if ttls.UserFiles != 300*time.Second {
		t.Errorf("non-positive override must keep the default: %v", ttls.UserFiles)
	}
	if ttls.FileMetadata != 600*time.Second {
		t.Errorf("untouched namespace changed: %v", ttls.FileMetadata)
	}
}
