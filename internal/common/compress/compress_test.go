package compress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompressAndDecompressGiveOriginalValue(t *testing.T) {
	compressor, err := NewZlibCompressor(0)
	assert.NoError(t, err)
	decompressor, err := NewZlibDecompressor()
	assert.NoError(t, err)

	input := []byte(strings.Repeat(`{"user":"alice","text":"hello"}`, 100))

	compressed, err := compressor.Compress(input)
	assert.NoError(t, err)
	assert.Less(t, len(compressed), len(input))

	decompressed, err := decompressor.Decompress(compressed)
	assert.NoError(t, err)
	assert.Equal(t, input, decompressed)
}

func TestCompressorIsReusable(t *testing.T) {
	compressor, err := NewZlibCompressor(0)
	assert.NoError(t, err)
	decompressor, err := NewZlibDecompressor()
	assert.NoError(t, err)

	for _, s := range []string{"first payload", "second, longer payload with more content", "third"} {
		compressed, err := compressor.Compress([]byte(s))
		assert.NoError(t, err)
		decompressed, err := decompressor.Decompress(compressed)
		assert.NoError(t, err)
		assert.Equal(t, []byte(s), decompressed)
	}
}

func TestCompressSkipsShortInput(t *testing.T) {
	compressor, err := NewZlibCompressor(1024)
	assert.NoError(t, err)

	input := []byte("short")
	out, err := compressor.Compress(input)
	assert.NoError(t, err)
	assert.Equal(t, input, out)
}
