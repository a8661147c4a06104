package coordinator

import (
	"context"
	"io"

	"github.com/chunkvault/chunkvault/internal/metadata"
)

type fetchFunc func(ctx context.Context, chunk *metadata.Chunk) ([]byte, error)

// FileStream reads a file back chunk by chunk in index order. Only one
// chunk payload is held at a time, so the whole file is never buffered.
type FileStream struct {
	File *metadata.File

	ctx    context.Context
	chunks []metadata.Chunk
	fetch  fetchFunc
	onDone func()

	next int
	buf  []byte
	off  int
	done bool
}

func newFileStream(ctx context.Context, file *metadata.File, chunks []metadata.Chunk, fetch fetchFunc, onDone func()) *FileStream {
	return &FileStream{
		File:   file,
		ctx:    ctx,
		chunks: chunks,
		fetch:  fetch,
		onDone: onDone,
	}
}

// Read implements io.Reader over the concatenated chunks.
func (s *FileStream) Read(p []byte) (int, error) {
	for s.off >= len(s.buf) {
		if s.next >= len(s.chunks) {
			if !s.done {
				s.done = true
				if s.onDone != nil {
					s.onDone()
				}
			}
			return 0, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		chunk := s.chunks[s.next]
		data, err := s.fetch(s.ctx, &chunk)
		if err != nil {
			return 0, err
		}
		s.buf = data
		s.off = 0
		s.next++
	}

	n := copy(p, s.buf[s.off:])
	s.off += n
	return n, nil
}

// Close releases the current chunk buffer.
func (s *FileStream) Close() error {
	s.buf = nil
	s.chunks = nil
	return nil
}
