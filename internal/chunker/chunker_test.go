package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"testing"
)

func TestSplitSizesAndDigests(t *testing.T) {
	const chunkSize = 1024
	data := make([]byte, 2560) // 2.5 chunks
	rand.New(rand.NewSource(1)).Read(data)

	m, err := Split(bytes.NewReader(data), chunkSize)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if m.ChunkCount() != 3 {
		t.Fatalf("expected 3 pieces, got %d", m.ChunkCount())
	}
	if m.Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), m.Size)
	}

	wantSizes := []int64{1024, 1024, 512}
	offset := 0
	for i, piece := range m.Pieces {
		if piece.Index != i {
			t.Errorf("piece %d has index %d", i, piece.Index)
		}
		if piece.Size != wantSizes[i] {
			t.Errorf("piece %d has size %d, want %d", i, piece.Size, wantSizes[i])
		}
		sum := sha256.Sum256(data[offset : offset+int(piece.Size)])
		if piece.Checksum != hex.EncodeToString(sum[:]) {
			t.Errorf("piece %d checksum mismatch", i)
		}
		if !bytes.Equal(piece.Data, data[offset:offset+int(piece.Size)]) {
			t.Errorf("piece %d bytes mismatch", i)
		}
		offset += int(piece.Size)
	}

	whole := sha256.Sum256(data)
	if m.Checksum != hex.EncodeToString(whole[:]) {
		t.Errorf("whole-file checksum mismatch")
	}
}

func TestSplitExactMultiple(t *testing.T) {
	data := make([]byte, 2048)
	m, err := Split(bytes.NewReader(data), 1024)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if m.ChunkCount() != 2 {
		t.Fatalf("expected 2 pieces, got %d", m.ChunkCount())
	}
	for _, piece := range m.Pieces {
		if piece.Size != 1024 {
			t.Errorf("piece %d has size %d, want 1024", piece.Index, piece.Size)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	m, err := Split(bytes.NewReader(nil), 1024)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if m.ChunkCount() != 0 {
		t.Fatalf("expected 0 pieces, got %d", m.ChunkCount())
	}
	empty := sha256.Sum256(nil)
	if m.Checksum != hex.EncodeToString(empty[:]) {
		t.Errorf("empty stream should digest to the empty hash")
	}
}

func TestSplitRejectsBadChunkSize(t *testing.T) {
	if _, err := Split(bytes.NewReader([]byte("x")), 0); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}
