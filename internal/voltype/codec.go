// Package voltype defines shared types used across the volstream package and
// its internal packages. This avoids circular imports between volstream and
// internal/chunk.
package voltype

import "fmt"

// Codec identifies the compression applied to a stored chunk.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecGzip   Codec = "gzip"
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
)

// ParseCodec validates a codec name. The empty string means CodecNone.
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case "", CodecNone:
		return CodecNone, nil
	case CodecGzip, CodecZstd, CodecSnappy:
		return Codec(name), nil
	default:
		return "", fmt.Errorf("%w: unknown codec %q", ErrInvalidDescriptor, name)
	}
}

func (c Codec) String() string {
	if c == "" {
		return string(CodecNone)
	}
	return string(c)
}
