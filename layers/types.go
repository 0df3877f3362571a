package layers

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

// BlobSource downloads a blob by digest
type BlobSource interface {
	FetchBlob(ctx context.Context, digest string, w io.Writer) error
}

// CompressionType represents the compression algorithm of a layer archive
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"

	archiveSuffix = ".tgz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectCompression inspects the leading bytes of r without consuming them
func DetectCompression(r *bufio.Reader) (CompressionType, error) {
	head, err := r.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return "", err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip, nil
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd, nil
	default:
		return CompressionNone, nil
	}
}
