// Package bufioutil provides a buffered, seekable reader used by the weight
// store to touch a model artifact's pages sequentially without losing the
// benefit of buffering across adjacent tiles.
package bufioutil

import (
	"bufio"
	"io"
)

// BufferedSeeker wraps an io.ReadSeeker with a bufio.Reader, resetting the
// buffer on every Seek so reads after a seek never return stale buffered
// bytes from before the jump.
type BufferedSeeker struct {
	rs io.ReadSeeker
	br *bufio.Reader
}

// NewBufferedSeeker wraps rs with a buffer of size bytes.
func NewBufferedSeeker(rs io.ReadSeeker, size int) *BufferedSeeker {
	return &BufferedSeeker{
		rs: rs,
		br: bufio.NewReaderSize(rs, size),
	}
}

func (b *BufferedSeeker) Read(p []byte) (int, error) {
	return b.br.Read(p)
}

// Seek repositions the underlying reader and discards any buffered bytes.
func (b *BufferedSeeker) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekCurrent {
		offset -= int64(b.br.Buffered())
	}
	n, err := b.rs.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	b.br.Reset(b.rs)
	return n, nil
}
