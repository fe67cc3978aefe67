package compress

import (
	"bytes"
	"compress/zlib"

	"github.com/pkg/errors"
)

// Compressor is a fast, single threaded compressor.
// This type allows us to reuse buffers etc for performance
type Compressor interface {
	// Compress compresses the byte array
	Compress(b []byte) ([]byte, error)
}

// NoOpCompressor is a Compressor that does nothing.  Useful for tests.
type NoOpCompressor struct{}

func (c *NoOpCompressor) Compress(b []byte) ([]byte, error) {
	return b, nil
}

// ZlibCompressor compresses to zlib. Zlib appears to be a good default choice,
// offering a reasonable size/speed tradeoff for json payloads.
// This type is stateful (it reuses its internal buffers) and is not thread safe.
type ZlibCompressor struct {
	minCompressSize int
	buffer          *bytes.Buffer
	writer          *zlib.Writer
}

// NewZlibCompressor returns a new ZlibCompressor.
// Input shorter than minCompressSize is returned unmodified by Compress,
// as compressing small payloads tends to grow them.
func NewZlibCompressor(minCompressSize int) (*ZlibCompressor, error) {
	var b bytes.Buffer
	writer := zlib.NewWriter(&b)
	err := writer.Close()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ZlibCompressor{
		minCompressSize: minCompressSize,
		buffer:          &b,
		writer:          writer,
	}, nil
}

// Compress compresses the supplied bytes.
// Note that input shorter than minCompressSize is returned unmodified.
func (c *ZlibCompressor) Compress(b []byte) ([]byte, error) {
	if len(b) < c.minCompressSize {
		return b, nil
	}

	c.buffer.Reset()
	c.writer.Reset(c.buffer)
	_, err := c.writer.Write(b)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = c.writer.Close()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Copy out so the internal buffer can be reused on the next call.
	compressed := make([]byte, c.buffer.Len())
	copy(compressed, c.buffer.Bytes())
	return compressed, nil
}
