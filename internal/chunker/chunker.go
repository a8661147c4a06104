// Package chunker splits a byte stream into fixed-size chunks and computes
// the per-chunk and whole-file SHA-256 digests in a single pass.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Piece is one chunk cut from the stream. Checksum is the hex SHA-256 of
// Data.
type Piece struct {
	Index    int
	Size     int64
	Checksum string
	Data     []byte
}

// Manifest describes a fully split stream. Checksum is the hex SHA-256 of
// the original bytes in order.
type Manifest struct {
	Size     int64
	Checksum string
	Pieces   []Piece
}

// ChunkCount returns the number of pieces.
func (m *Manifest) ChunkCount() int {
	return len(m.Pieces)
}

// Split reads r to EOF and cuts it into chunkSize pieces. Every piece except
// possibly the last has exactly chunkSize bytes; the last has whatever
// remains. An empty stream yields zero pieces and the digest of no bytes.
func Split(r io.Reader, chunkSize int64) (*Manifest, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	fileHash := sha256.New()
	manifest := &Manifest{}

	buf := make([]byte, chunkSize)
	index := 0
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			fileHash.Write(data)

			sum := sha256.Sum256(data)
			manifest.Pieces = append(manifest.Pieces, Piece{
				Index:    index,
				Size:     int64(n),
				Checksum: hex.EncodeToString(sum[:]),
				Data:     data,
			})
			manifest.Size += int64(n)
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}

	manifest.Checksum = hex.EncodeToString(fileHash.Sum(nil))
	return manifest, nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
