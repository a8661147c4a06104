package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "meta.db") + "?_foreign_keys=on"
	store, err := OpenSQL(context.Background(), "sqlite3", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedFile(t *testing.T, store *SQLStore, owner string, chunkCount int) (*File, []*Chunk) {
	t.Helper()
	now := time.Now().UTC()
	file := &File{
		ID:         NewID(),
		OwnerID:    owner,
		Name:       "report.bin",
		MIMEType:   "application/octet-stream",
		Size:       int64(chunkCount) * 1024,
		ChunkCount: chunkCount,
		Checksum:   "c0ffee",
		Version:    1,
		Status:     FileUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	chunks := make([]*Chunk, chunkCount)
	for i := range chunks {
		chunks[i] = &Chunk{
			ID:        NewID(),
			FileID:    file.ID,
			Index:     i,
			Size:      1024,
			Checksum:  "deadbeef",
			Status:    ChunkPending,
			CreatedAt: now,
		}
	}
	if err := store.CreateFileWithChunks(context.Background(), file, chunks); err != nil {
		t.Fatalf("create file with chunks: %v", err)
	}
	return file, chunks
}

func TestFileRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	file, chunks := seedFile(t, store, "alice", 3)

	got, err := store.FileByID(ctx, file.ID)
	if err != nil {
		t.Fatalf("file by id: %v", err)
	}
	if got.Name != file.Name || got.ChunkCount != 3 || got.Status != FileUploading {
		t.Errorf("retrieved file does not match: %+v", got)
	}

	gotChunks, err := store.ChunksByFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("chunks by file: %v", err)
	}
	if len(gotChunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(gotChunks))
	}
	for i, c := range gotChunks {
		if c.Index != i {
			t.Errorf("chunk %d out of order, index %d", i, c.Index)
		}
	}
	_ = chunks
}

func TestFileByIDNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.FileByID(context.Background(), "no-such-id")
	if !errtypes.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCommitReplicationIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, chunks := seedFile(t, store, "alice", 1)
	chunkID := chunks[0].ID

	nodes := []string{"http://node1", "http://node2", "http://node3"}
	if err := store.CommitReplication(ctx, chunkID, nodes); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// re-delivered task commits again
	if err := store.CommitReplication(ctx, chunkID, nodes); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	replicas, err := store.ReplicasByChunk(ctx, chunkID)
	if err != nil {
		t.Fatalf("replicas by chunk: %v", err)
	}
	if len(replicas) != 3 {
		t.Fatalf("expected 3 replicas after double commit, got %d", len(replicas))
	}
	chunk, err := store.ChunkByID(ctx, chunkID)
	if err != nil {
		t.Fatalf("chunk by id: %v", err)
	}
	if chunk.Status != ChunkStored {
		t.Errorf("expected stored, got %s", chunk.Status)
	}
}

func TestFinishUploadGuard(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	file, _ := seedFile(t, store, "alice", 1)

	status, err := store.FinishUpload(ctx, file.ID)
	if err != nil {
		t.Fatalf("finish upload: %v", err)
	}
	if status != FileCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	// a failed file must not be resurrected
	if err := store.SetFileStatus(ctx, file.ID, FileFailed); err != nil {
		t.Fatalf("set status: %v", err)
	}
	status, err = store.FinishUpload(ctx, file.ID)
	if err != nil {
		t.Fatalf("finish upload again: %v", err)
	}
	if status != FileFailed {
		t.Fatalf("expected failed to stick, got %s", status)
	}
}

func TestListFilesByOwnerOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, _ := seedFile(t, store, "alice", 1)
	second, _ := seedFile(t, store, "alice", 1)
	seedFile(t, store, "bob", 1)

	// bump the older file so it sorts first
	time.Sleep(5 * time.Millisecond)
	if err := store.SetFileStatus(ctx, first.ID, FileCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}

	files, err := store.ListFilesByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files for alice, got %d", len(files))
	}
	if files[0].ID != first.ID || files[1].ID != second.ID {
		t.Errorf("listing not ordered by updated_at DESC")
	}
}

func TestShareLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	file, _ := seedFile(t, store, "alice", 1)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	expired := &Share{
		ID: NewID(), FileID: file.ID, OwnerID: "alice",
		Token: NewID(), ExpiresAt: &past, CreatedAt: time.Now().UTC(),
	}
	live := &Share{
		ID: NewID(), FileID: file.ID, OwnerID: "alice",
		Token: NewID(), ExpiresAt: &future, CreatedAt: time.Now().UTC(),
	}
	forever := &Share{
		ID: NewID(), FileID: file.ID, OwnerID: "alice",
		Token: NewID(), CreatedAt: time.Now().UTC(),
	}
	for _, s := range []*Share{expired, live, forever} {
		if err := store.CreateShare(ctx, s); err != nil {
			t.Fatalf("create share: %v", err)
		}
	}

	if err := store.TouchShareAccess(ctx, live.ID); err != nil {
		t.Fatalf("touch share: %v", err)
	}
	got, err := store.ShareByToken(ctx, live.Token)
	if err != nil {
		t.Fatalf("share by token: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", got.AccessCount)
	}

	n, err := store.DeleteExpiredShares(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired share deleted, got %d", n)
	}
	if _, err := store.ShareByToken(ctx, expired.Token); !errtypes.IsNotFound(err) {
		t.Errorf("expired share should be gone, got %v", err)
	}
	if _, err := store.ShareByToken(ctx, forever.Token); err != nil {
		t.Errorf("share without expiry must survive cleanup: %v", err)
	}
}

func TestCascadeDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	file, chunks := seedFile(t, store, "alice", 2)

	if err := store.CommitReplication(ctx, chunks[0].ID, []string{"http://node1"}); err != nil {
		t.Fatalf("commit replication: %v", err)
	}
	share := &Share{ID: NewID(), FileID: file.ID, OwnerID: "alice", Token: NewID(), CreatedAt: time.Now().UTC()}
	if err := store.CreateShare(ctx, share); err != nil {
		t.Fatalf("create share: %v", err)
	}

	if err := store.DeleteFile(ctx, file.ID); err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if _, err := store.ChunkByID(ctx, chunks[0].ID); !errtypes.IsNotFound(err) {
		t.Errorf("chunk should cascade, got %v", err)
	}
	replicas, err := store.ReplicasByChunk(ctx, chunks[0].ID)
	if err != nil {
		t.Fatalf("replicas by chunk: %v", err)
	}
	if len(replicas) != 0 {
		t.Errorf("replicas should cascade, got %d", len(replicas))
	}
	if _, err := store.ShareByToken(ctx, share.Token); !errtypes.IsNotFound(err) {
		t.Errorf("share should cascade, got %v", err)
	}
}

func TestVerificationAndOrphanQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	done, _ := seedFile(t, store, "alice", 1)
	failed, _ := seedFile(t, store, "alice", 1)
	seedFile(t, store, "alice", 1) // stays uploading

	if err := store.SetFileStatus(ctx, done.ID, FileCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := store.SetFileStatus(ctx, failed.ID, FileFailed); err != nil {
		t.Fatalf("set status: %v", err)
	}

	ids, err := store.FilesForVerification(ctx)
	if err != nil {
		t.Fatalf("files for verification: %v", err)
	}
	if len(ids) != 1 || ids[0] != done.ID {
		t.Errorf("expected only the completed file, got %v", ids)
	}

	orphans, err := store.FailedFilesBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("failed files before: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != failed.ID {
		t.Errorf("expected only the failed file, got %v", orphans)
	}
}
