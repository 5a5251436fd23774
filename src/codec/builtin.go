package codec

import (
	"io"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pingcap/errors"
)

func init() {
	Register(gzipCodec{})
	Register(deflateCodec{})
	Register(zstdCodec{})
	Register(snappyCodec{})
	Register(lz4Codec{})
	Register(brotliCodec{})
}

type gzipCodec struct{}

func (gzipCodec) Name() string      { return "gzip" }
func (gzipCodec) Extension() string { return ".gz" }

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return zr, nil
}

// deflateCodec is zlib-framed deflate.
type deflateCodec struct{}

func (deflateCodec) Name() string      { return "deflate" }
func (deflateCodec) Extension() string { return ".deflate" }

func (deflateCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zlib.NewWriter(w), nil
}

func (deflateCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return zr, nil
}

type zstdCodec struct{}

func (zstdCodec) Name() string      { return "zstd" }
func (zstdCodec) Extension() string { return ".zst" }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return zw, nil
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return zr.IOReadCloser(), nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string      { return "snappy" }
func (snappyCodec) Extension() string { return ".snappy" }

func (snappyCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string      { return "lz4" }
func (lz4Codec) Extension() string { return ".lz4" }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

type brotliCodec struct{}

func (brotliCodec) Name() string      { return "brotli" }
func (brotliCodec) Extension() string { return ".br" }

func (brotliCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriter(w), nil
}

func (brotliCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}
