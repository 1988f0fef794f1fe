package kafka

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
	CompressionZstd   = "zstd"
)

var compressionCodecs = []string{CompressionNone, CompressionGzip, CompressionSnappy, CompressionLZ4, CompressionZstd}

// compressor compresses the records section of a record batch. attrs is the
// codec's value in the low bits of the batch attributes.
type compressor struct {
	codec string
	attrs int16

	gzipPool sync.Pool
	lz4Pool  sync.Pool
	zstdEnc  *zstd.Encoder
}

// newCompressor returns nil for no compression.
func newCompressor(codec string) (*compressor, error) {
	c := &compressor{codec: codec}
	switch codec {
	case "", CompressionNone:
		return nil, nil
	case CompressionGzip:
		c.attrs = 1
		c.gzipPool.New = func() any { return gzip.NewWriter(nil) }
	case CompressionSnappy:
		c.attrs = 2
	case CompressionLZ4:
		c.attrs = 3
		c.lz4Pool.New = func() any { return lz4.NewWriter(nil) }
	case CompressionZstd:
		c.attrs = 4
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		c.zstdEnc = enc
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCompression, codec)
	}
	return c, nil
}

func (c *compressor) compress(src []byte) ([]byte, error) {
	switch c.codec {
	case CompressionGzip:
		var buf bytes.Buffer
		w := c.gzipPool.Get().(*gzip.Writer)
		defer c.gzipPool.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CompressionSnappy:
		return s2.EncodeSnappy(nil, src), nil

	case CompressionLZ4:
		var buf bytes.Buffer
		w := c.lz4Pool.Get().(*lz4.Writer)
		defer c.lz4Pool.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CompressionZstd:
		return c.zstdEnc.EncodeAll(src, nil), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidCompression, c.codec)
}
