package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
)

const defaultBufferSize = 4096

var bufferPool = sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, defaultBufferSize)) }}

// syncer is implemented by writers that can persist their data, e.g. *os.File.
type syncer interface{ Sync() error }

// BlockWriter buffers small writes into pooled 4 KiB buffers and keeps track of the running byte offset, which
// SSTable index entries point into.
type BlockWriter struct { // Implements io.WriteCloser.
	mux    sync.Mutex
	offset uint64 // Bytes accepted so far, buffered or not.
	writer io.WriteCloser
	buffer *bytes.Buffer
	closed bool
}

var _ io.WriteCloser = (*BlockWriter)(nil)

var errWriterClosed = errors.New("block writer is closed")

// NewBlockWriter is the constructor for BlockWriter.
func NewBlockWriter(writer io.WriteCloser) *BlockWriter {
	bw := &BlockWriter{mux: sync.Mutex{}, writer: writer}
	// Call Close when the object is garbage collected.
	runtime.SetFinalizer(bw, func(bw *BlockWriter) { _ = bw.Close() })
	return bw
}

func (bw *BlockWriter) Write(p []byte) (flushed int, err error) {
	bw.mux.Lock()
	defer bw.mux.Unlock()

	if bw.closed {
		return 0, errWriterClosed
	}
	if bw.buffer == nil { // Take a buffer from the pool.
		bw.buffer = bufferPool.Get().(*bytes.Buffer)
	}

	flushed = 0
	toFlush := len(p)
	for toFlush > 0 {
		if availableBytes := bw.buffer.Available(); availableBytes < toFlush {
			bw.buffer.Write(p[flushed : flushed+availableBytes])
			flushed += availableBytes
			toFlush -= availableBytes
			// Flush the entire buffer.
			if _, err := bw.writer.Write(bw.buffer.Bytes()); err != nil {
				bw.offset += uint64(flushed)
				return flushed, err
			}
			bw.buffer.Reset()
		} else {
			bw.buffer.Write(p[flushed:]) // Write all remaining bytes.
			flushed += toFlush
			toFlush = 0
		}
	}
	bw.offset += uint64(flushed)

	return flushed, nil
}

// WriteBlock writes `block` and returns the offset it starts at.
func (bw *BlockWriter) WriteBlock(block []byte) ( /*offset*/ uint64, error) {
	offset := bw.Offset()
	if _, err := bw.Write(block); err != nil {
		return 0, err
	}
	return offset, nil
}

// Offset returns the number of bytes written so far.
func (bw *BlockWriter) Offset() uint64 {
	bw.mux.Lock()
	defer bw.mux.Unlock()
	return bw.offset
}

// Close flushes the buffered bytes, syncs the underlying writer if it supports it and closes it.
// Closing twice is a no-op.
func (bw *BlockWriter) Close() error {
	bw.mux.Lock()
	defer bw.mux.Unlock()

	if bw.closed {
		return nil
	}
	bw.closed = true
	runtime.SetFinalizer(bw, nil)

	var flushErr error
	if bw.buffer != nil {
		// Flush any remaining bytes in the buffer.
		if remaining := bw.buffer.Bytes(); len(remaining) > 0 {
			_, flushErr = bw.writer.Write(remaining)
		}
		// Give back the buffer to the pool.
		bw.buffer.Reset()
		bufferPool.Put(bw.buffer)
		bw.buffer = nil
	}
	if s, ok := bw.writer.(syncer); ok && flushErr == nil {
		flushErr = s.Sync()
	}

	// Close the underlying writer.
	if err := errors.Join(flushErr, bw.writer.Close()); err != nil {
		return fmt.Errorf("failed to close block writer: %w", err)
	}

	return nil
}
