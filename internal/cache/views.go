package cache

import (
	"time"

	"github.com/chunkvault/chunkvault/internal/metadata"
)

// FileView is the cached projection of a file row.
type FileView struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	MIMEType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	Checksum   string    `json:"checksum"`
	Version    int       `json:"version"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewFileView projects a file row into its cached form.
func NewFileView(f *metadata.File) FileView {
	return FileView{
		ID:         f.ID,
		OwnerID:    f.OwnerID,
		Name:       f.Name,
		MIMEType:   f.MIMEType,
		Size:       f.Size,
		ChunkCount: f.ChunkCount,
		Checksum:   f.Checksum,
		Version:    f.Version,
		Status:     string(f.Status),
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
}

// File converts the view back into a file row.
func (v FileView) File() *metadata.File {
	return &metadata.File{
		ID:         v.ID,
		OwnerID:    v.OwnerID,
		Name:       v.Name,
		MIMEType:   v.MIMEType,
		Size:       v.Size,
		ChunkCount: v.ChunkCount,
		Checksum:   v.Checksum,
		Version:    v.Version,
		Status:     metadata.FileStatus(v.Status),
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
}

// ShareView is the cached projection of a share row.
type ShareView struct {
	ID          string     `json:"id"`
	FileID      string     `json:"file_id"`
	OwnerID     string     `json:"owner_id"`
	Token       string     `json:"token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AccessCount int        `json:"access_count"`
}

// NewShareView projects a share row into its cached form.
func NewShareView(s *metadata.Share) ShareView {
	return ShareView{
		ID:          s.ID,
		FileID:      s.FileID,
		OwnerID:     s.OwnerID,
		Token:       s.Token,
		ExpiresAt:   s.ExpiresAt,
		AccessCount: s.AccessCount,
	}
}

// Share converts the view back into a share row.
func (v ShareView) Share() *metadata.Share {
	return &metadata.Share{
		ID:          v.ID,
		FileID:      v.FileID,
		OwnerID:     v.OwnerID,
		Token:       v.Token,
		ExpiresAt:   v.ExpiresAt,
		AccessCount: v.AccessCount,
	}
}

// NodeHealth is one node's entry in the health snapshot.
type NodeHealth struct {
	NodeID         string    `json:"node_id"`
	Healthy        bool      `json:"healthy"`
	LatencyMS      int64     `json:"latency_ms"`
	TotalSize      int64     `json:"total_size"`
	ChunkCount     int64     `json:"chunk_count"`
	AvailableSpace int64     `json:"available_space"`
	CheckedAt      time.Time `json:"checked_at"`
}

// NodesHealth is the aggregate snapshot ProbeNodes writes.
type NodesHealth struct {
	Nodes   []NodeHealth `json:"nodes"`
	TakenAt time.Time    `json:"taken_at"`
}
