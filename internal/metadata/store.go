package metadata

import (
	"context"
	"time"
)

// Store is the repository over the metadata database. Implementations must
// provide ACID transactions at read-committed isolation or stronger;
// methods documented as transactional span all their writes in one
// transaction.
type Store interface {
	// CreateFileWithChunks inserts the file row and all its chunk rows in a
	// single transaction.
	CreateFileWithChunks(ctx context.Context, file *File, chunks []*Chunk) error

	FileByID(ctx context.Context, id string) (*File, error)
	ListFilesByOwner(ctx context.Context, ownerID string) ([]File, error)

	// SetFileStatus updates the file status and bumps updated_at.
	SetFileStatus(ctx context.Context, fileID string, status FileStatus) error

	// FinishUpload flips uploading→completed inside a transaction and
	// returns the resulting status. A file no longer in uploading keeps its
	// status.
	FinishUpload(ctx context.Context, fileID string) (FileStatus, error)

	ChunkByID(ctx context.Context, id string) (*Chunk, error)
	// ChunksByFile returns the file's chunks ordered by ascending index.
	ChunksByFile(ctx context.Context, fileID string) ([]Chunk, error)
	MarkChunkFailed(ctx context.Context, chunkID string) error

	// CommitReplication marks the chunk stored and inserts one replica row
	// per acknowledged node, all in one transaction. Replica rows that
	// collide on (chunk_id, storage_node_id) are absorbed, so re-delivered
	// replication tasks are idempotent.
	CommitReplication(ctx context.Context, chunkID string, nodeIDs []string) error

	ReplicasByChunk(ctx context.Context, chunkID string) ([]Replica, error)

	CreateShare(ctx context.Context, share *Share) error
	ShareByToken(ctx context.Context, token string) (*Share, error)
	// TouchShareAccess increments the share's access counter.
	TouchShareAccess(ctx context.Context, shareID string) error
	// DeleteExpiredShares removes all shares with expires_at before now and
	// returns the number removed.
	DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error)

	// FilesForVerification returns ids of files eligible for the periodic
	// integrity sweep (status completed or verified).
	FilesForVerification(ctx context.Context) ([]string, error)

	// FailedFilesBefore returns ids of files in status failed whose last
	// update is older than cutoff. Used by orphan reclamation.
	FailedFilesBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteFile removes the file row; chunks, replicas and shares cascade.
	DeleteFile(ctx context.Context, fileID string) error

	Close() error
}
