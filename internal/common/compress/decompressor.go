package compress

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/pkg/errors"
)

// Decompressor is a fast, single threaded decompressor.
// This type allows us to reuse buffers etc for performance
type Decompressor interface {
	// Decompress decompresses the byte array
	Decompress(b []byte) ([]byte, error)
}

// NoOpDecompressor is a Decompressor that does nothing.  Useful for tests.
type NoOpDecompressor struct{}

func (c *NoOpDecompressor) Decompress(b []byte) ([]byte, error) {
	return b, nil
}

// ZlibDecompressor decompresses zlib.
// This type is stateful (it reuses its internal buffers) and is not thread safe.
type ZlibDecompressor struct {
	outputBuffer *bytes.Buffer
	reader       io.ReadCloser
}

func NewZlibDecompressor() (*ZlibDecompressor, error) {
	var ob bytes.Buffer
	return &ZlibDecompressor{
		outputBuffer: &ob,
	}, nil
}

func (d *ZlibDecompressor) Decompress(b []byte) ([]byte, error) {
	inputBuffer := bytes.NewBuffer(b)
	if d.reader == nil {
		reader, err := zlib.NewReader(inputBuffer)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		d.reader = reader
	} else {
		err := d.reader.(zlib.Resetter).Reset(inputBuffer, nil)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	d.outputBuffer.Reset()

	_, err := io.Copy(d.outputBuffer, d.reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Copy out so the internal buffer can be reused on the next call.
	decompressed := make([]byte, d.outputBuffer.Len())
	copy(decompressed, d.outputBuffer.Bytes())
	return decompressed, nil
}
