package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopCloser records whether Close was called on top of a bytes.Buffer.
type nopCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

// failingWriter fails every write.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk is full") }
func (failingWriter) Close() error              { return nil }

func TestBlockWriter_BuffersAndTracksOffsets(t *testing.T) {
	sink := &nopCloser{}
	writer := NewBlockWriter(sink)

	offset, err := writer.WriteBlock([]byte("hello"))
	require.NoError(t, err)
	assert.Zero(t, offset)
	offset, err = writer.WriteBlock([]byte("world!"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), offset)
	assert.Equal(t, uint64(11), writer.Offset())
	assert.Zero(t, sink.Len(), "Small writes should stay buffered")

	require.NoError(t, writer.Close())
	assert.True(t, sink.closed)
	assert.Equal(t, "helloworld!", sink.String())
	assert.NoError(t, writer.Close(), "Closing twice is a no-op")

	_, err = writer.Write([]byte("late"))
	assert.ErrorIs(t, err, errWriterClosed)
}

func TestBlockWriter_LargeWritesSpanBuffers(t *testing.T) {
	sink := &nopCloser{}
	writer := NewBlockWriter(sink)
	large := bytes.Repeat([]byte("0123456789"), 1_000) // 10 KB, larger than the pooled buffer.
	written, err := writer.Write(large)
	require.NoError(t, err)
	assert.Equal(t, len(large), written)
	assert.GreaterOrEqual(t, sink.Len(), defaultBufferSize, "Full buffers should be flushed eagerly")
	require.NoError(t, writer.Close())
	assert.Equal(t, large, sink.Bytes())
}

func TestBlockWriter_PropagatesWriteErrors(t *testing.T) {
	writer := NewBlockWriter(failingWriter{})
	_, err := writer.Write(make([]byte, 2*defaultBufferSize))
	assert.Error(t, err)
	assert.Error(t, writer.Close(), "The buffered bytes cannot be flushed either")
}

func TestBlockWriter_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.dat")
	file, err := os.Create(path)
	require.NoError(t, err)
	writer := NewBlockWriter(file)
	_, err = writer.WriteBlock([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), content)
}
