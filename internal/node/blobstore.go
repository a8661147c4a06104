// Package node implements the content-addressed storage node: the on-disk
// blob store, its HTTP surface and the coordinator-side client. A node
// knows chunks only, never files.
package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/sys/unix"

	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

// sizeSuffix marks the sidecar recording a compressed blob's decoded length,
// so Size never has to decompress the frame.
const sizeSuffix = ".size"

// BlobStore keeps chunk payloads on the local filesystem, sharded by the
// first two characters of the chunk id so no directory grows unbounded.
// When compression is on, blobs are lz4-framed on disk; reads always return
// the original bytes.
type BlobStore struct {
	basePath string
	compress bool
}

// StorageStats is the capacity report a node includes in its health answer.
type StorageStats struct {
	TotalSize      int64 `json:"total_size"`
	ChunkCount     int64 `json:"chunk_count"`
	AvailableSpace int64 `json:"available_space"`
}

// NewBlobStore creates the backing directory if needed.
func NewBlobStore(basePath string, compress bool) (*BlobStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &BlobStore{basePath: basePath, compress: compress}, nil
}

func (s *BlobStore) path(id string) string {
	shard := "00"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(s.basePath, shard, id)
}

// Put writes the chunk payload under id and returns the hex SHA-256 of the
// raw bytes and their length. Writes go through a temp file and a rename,
// so concurrent puts of the same id converge on a complete blob.
func (s *BlobStore) Put(id string, r io.Reader) (string, int64, error) {
	final := s.path(id)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", 0, fmt.Errorf("create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), id+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	var sink io.Writer = tmp
	var lzw *lz4.Writer
	if s.compress {
		lzw = lz4.NewWriter(tmp)
		sink = lzw
	}

	n, err := io.Copy(io.MultiWriter(sink, hash), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("write blob %s: %w", id, err)
	}
	if lzw != nil {
		if err := lzw.Close(); err != nil {
			tmp.Close()
			return "", 0, fmt.Errorf("flush blob %s: %w", id, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close blob %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("commit blob %s: %w", id, err)
	}
	if s.compress {
		if err := os.WriteFile(final+sizeSuffix, []byte(strconv.FormatInt(n, 10)), 0o644); err != nil {
			return "", 0, fmt.Errorf("record blob size %s: %w", id, err)
		}
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

type blobReader struct {
	f *os.File
	r io.Reader
}

func (b *blobReader) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *blobReader) Close() error               { return b.f.Close() }

// Get streams the stored bytes or returns errtypes.NotFound.
func (s *BlobStore) Get(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound("chunk " + id)
		}
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	if s.compress {
		return &blobReader{f: f, r: lz4.NewReader(f)}, nil
	}
	return f, nil
}

// Size returns the length of the stored (decoded) bytes or errtypes.NotFound.
// Raw blobs are stat'ed; compressed blobs read the length sidecar and only
// fall back to decoding when the sidecar is missing.
func (s *BlobStore) Size(id string) (int64, error) {
	if !s.compress {
		info, err := os.Stat(s.path(id))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, errtypes.NotFound("chunk " + id)
			}
			return 0, fmt.Errorf("stat blob %s: %w", id, err)
		}
		return info.Size(), nil
	}
	if raw, err := os.ReadFile(s.path(id) + sizeSuffix); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
			return n, nil
		}
	}
	rc, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(io.Discard, rc)
}

// Exists reports whether a blob is present.
func (s *BlobStore) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Delete unlinks the blob and its size sidecar. A missing blob is not an
// error.
func (s *BlobStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	if err := os.Remove(s.path(id) + sizeSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob size record %s: %w", id, err)
	}
	return nil
}

// Stats walks the tree for used bytes and chunk count and reports free
// space on the backing volume.
func (s *BlobStore) Stats() (StorageStats, error) {
	var stats StorageStats
	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !strings.HasSuffix(path, sizeSuffix) {
			stats.TotalSize += info.Size()
			stats.ChunkCount++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk storage directory: %w", err)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(s.basePath, &fs); err == nil {
		stats.AvailableSpace = int64(fs.Bavail) * int64(fs.Bsize)
	}
	return stats, nil
}
