package chunk

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/volstream/internal/voltype"
)

// DefaultMaxDecoderMemory is the default zstd decoder memory limit (256MB).
const DefaultMaxDecoderMemory = 256 << 20

// Decoder decodes chunk payloads. It keeps a pool of zstd decoders to reduce
// allocation overhead and is safe for concurrent use.
type Decoder struct {
	pool             *sync.Pool
	maxDecoderMemory uint64
}

// NewDecoder creates a Decoder. If maxMemory is 0, no memory limit is applied
// to zstd decoders.
func NewDecoder(maxMemory uint64) *Decoder {
	d := &Decoder{maxDecoderMemory: maxMemory}
	d.pool = &sync.Pool{
		New: func() any {
			dec, err := d.newZstd(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return d
}

// Decode returns the uncompressed bytes of data.
func (d *Decoder) Decode(codec voltype.Codec, data []byte) ([]byte, error) {
	switch codec {
	case "", voltype.CodecNone:
		return data, nil
	case voltype.CodecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", voltype.ErrDecompression, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", voltype.ErrDecompression, err)
		}
		return out, nil
	case voltype.CodecZstd:
		dec, release, err := d.getZstd()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", voltype.ErrDecompression, err)
		}
		defer release()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", voltype.ErrDecompression, err)
		}
		return out, nil
	case voltype.CodecSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", voltype.ErrDecompression, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", voltype.ErrInvalidDescriptor, codec)
	}
}

// getZstd returns a pooled decoder and a release function returning it.
func (d *Decoder) getZstd() (*zstd.Decoder, func(), error) {
	if d == nil || d.pool == nil {
		dec, err := d.newZstd(nil)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}
	dec, ok := d.pool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		// Pool's New function failed, try directly
		newDec, err := d.newZstd(nil)
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}
	return dec, func() { d.pool.Put(dec) }, nil
}

func (d *Decoder) newZstd(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if d != nil && d.maxDecoderMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(d.maxDecoderMemory))
	}
	return zstd.NewReader(r, opts...)
}

// Encode compresses data with codec. It is used by dataset writers.
func Encode(codec voltype.Codec, data []byte) ([]byte, error) {
	switch codec {
	case "", voltype.CodecNone:
		return data, nil
	case voltype.CodecGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case voltype.CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case voltype.CodecSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", voltype.ErrInvalidDescriptor, codec)
	}
}
