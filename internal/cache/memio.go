package cache

import (
	"io"

	"github.com/orcaman/writerseeker"
)

// MemoryWriter and MemoryReader are the serialisation primitives used by
// FSMetadata and AggWriteMeta to lay out their on-disk image in memory
// before a single contiguous disk write. Grounded on the memory_writer.h /
// memory_reader.h helpers referenced throughout fs_metadata.cpp and
// agg_write_block.cpp; backed by github.com/orcaman/writerseeker (already
// part of the teacher's dependency graph), whose WriterSeeker is exactly
// the "seekable in-memory buffer" the original classes wrap.
type MemoryWriter struct {
	ws      writerseeker.WriterSeeker
	written int
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

// Write appends p at the writer's current position, matching the C++
// memory_writer::write(ptr, size) contract.
func (w *MemoryWriter) Write(p []byte) (int, error) {
	n, err := w.ws.Write(p)
	w.written += n
	return n, err
}

// SetNextOffset repositions the writer absolutely, used to place the
// footer at a store-block-aligned offset after the variably sized table.
func (w *MemoryWriter) SetNextOffset(off int64) {
	if _, err := w.ws.Seek(off, io.SeekStart); err != nil {
		panic("cache: memory writer seek failed: " + err.Error())
	}
}

// Written returns the number of bytes actually written so far (as opposed
// to the final buffer size, which may include padding written via
// SetNextOffset jumps).
func (w *MemoryWriter) Written() int { return w.written }

// Bytes returns the full backing buffer, including any padding introduced
// by SetNextOffset gaps.
func (w *MemoryWriter) Bytes() []byte {
	r, err := w.ws.Reader()
	if err != nil {
		panic("cache: memory writer reader failed: " + err.Error())
	}
	b, err := io.ReadAll(r)
	if err != nil {
		panic("cache: memory writer read failed: " + err.Error())
	}
	return b
}

// MemoryReader reads back a serialized image, mirroring memory_reader.h.
type MemoryReader struct {
	buf []byte
	pos int64
}

func NewMemoryReader(buf []byte) *MemoryReader {
	return &MemoryReader{buf: buf}
}

func (r *MemoryReader) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.buf)) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += int64(n)
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (r *MemoryReader) SetNextOffset(off int64) { r.pos = off }
