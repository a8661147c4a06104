// Package metadata holds the coordinator's persisted data model and the
// repository interface over the relational store.
package metadata

import (
	"time"

	"github.com/google/uuid"
)

// newID returns a fresh UUIDv4 string. All row ids and share tokens are
// UUIDv4.
func newID() string {
	return uuid.New().String()
}

// NewID returns a fresh UUIDv4 string for callers building rows.
func NewID() string {
	return newID()
}

// FileStatus is the lifecycle state of a file.
type FileStatus string

// File lifecycle states.
const (
	FileUploading FileStatus = "uploading"
	FileCompleted FileStatus = "completed"
	FileFailed    FileStatus = "failed"
	FileVerified  FileStatus = "verified"
	FileCorrupted FileStatus = "corrupted"
)

// ChunkStatus is the lifecycle state of a chunk.
type ChunkStatus string

// Chunk lifecycle states.
const (
	ChunkPending ChunkStatus = "pending"
	ChunkStored  ChunkStatus = "stored"
	ChunkFailed  ChunkStatus = "failed"
)

// File is one uploaded file. Checksum is the hex SHA-256 of the original
// bytes.
type File struct {
	ID         string
	OwnerID    string
	Name       string
	MIMEType   string
	Size       int64
	ChunkCount int
	Checksum   string
	Version    int
	Status     FileStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is one fixed-size fragment of a file. Checksum is the hex SHA-256
// of the chunk bytes.
type Chunk struct {
	ID        string
	FileID    string
	Index     int
	Size      int64
	Checksum  string
	Status    ChunkStatus
	CreatedAt time.Time
}

// Replica records one placement of a chunk on one storage node. NodeID is
// the node's base URL.
type Replica struct {
	ID        string
	ChunkID   string
	NodeID    string
	CreatedAt time.Time
}

// Share grants unauthenticated read access to a file through an unguessable
// token, optionally time-limited.
type Share struct {
	ID          string
	FileID      string
	OwnerID     string
	Token       string
	ExpiresAt   *time.Time
	AccessCount int
	CreatedAt   time.Time
}

// Expired reports whether the share is past its expiry at now.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}
