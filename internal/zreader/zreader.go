// Package zreader implements a transparently-decompressing reader.
//
// The archive distribution does not promise a fixed compression scheme, so
// the reader sniffs the stream's magic numbers and picks the right
// decompressor instead of trusting file extensions.
package zreader

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression is an enum of the supported stream compression schemes.
type Compression int

const (
	// KindNone is an uncompressed stream.
	KindNone Compression = iota
	// KindGzip is a gzip-compressed stream.
	KindGzip
	// KindZstd is a zstd-compressed stream.
	KindZstd
	// KindXz is an xz-compressed stream.
	KindXz
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

// Detect sniffs the stream and reports the compression in use. The returned
// reader must be used in place of the passed one, as bytes have been
// consumed for the sniff.
func Detect(r io.Reader) (io.Reader, Compression, error) {
	br := bufio.NewReader(r)
	b, err := br.Peek(6)
	switch {
	case err == nil:
	case err == io.EOF:
		// Short streams can't be compressed; pass them through.
	default:
		return nil, KindNone, err
	}
	switch {
	case bytes.HasPrefix(b, magicGzip):
		return br, KindGzip, nil
	case bytes.HasPrefix(b, magicZstd):
		return br, KindZstd, nil
	case bytes.HasPrefix(b, magicXz):
		return br, KindXz, nil
	}
	return br, KindNone, nil
}

// Reader returns a reader of the decompressed contents of the passed
// reader.
func Reader(r io.Reader) (io.ReadCloser, error) {
	br, kind, err := Detect(r)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindNone:
		return io.NopCloser(br), nil
	case KindGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return gz, nil
	case KindZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case KindXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	}
	return nil, fmt.Errorf("zreader: unknown compression scheme %d", kind)
}
