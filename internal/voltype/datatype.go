package voltype

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is the element type of a stored array. Elements are little-endian.
type DataType string

const (
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Int8    DataType = "int8"
	Int16   DataType = "int16"
	Int32   DataType = "int32"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
)

// ParseDataType validates a data type name.
func ParseDataType(name string) (DataType, error) {
	dt := DataType(name)
	if dt.Size() == 0 {
		return "", fmt.Errorf("%w: unknown data type %q", ErrInvalidDescriptor, name)
	}
	return dt, nil
}

// Size returns the element size in bytes, or 0 for an unknown type.
func (t DataType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Float64 decodes element i of b.
func (t DataType) Float64(b []byte, i int) float64 {
	off := i * t.Size()
	switch t {
	case Uint8:
		return float64(b[off])
	case Int8:
		return float64(int8(b[off]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b[off:]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b[off:])))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b[off:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b[off:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
	default:
		return 0
	}
}

// PutFloat64 encodes v as element i of b, truncating toward the type's range.
func (t DataType) PutFloat64(b []byte, i int, v float64) {
	off := i * t.Size()
	switch t {
	case Uint8:
		b[off] = uint8(v)
	case Int8:
		b[off] = byte(int8(v))
	case Uint16:
		binary.LittleEndian.PutUint16(b[off:], uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(b[off:], uint16(int16(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b[off:], uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(b[off:], uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b[off:], math.Float64bits(v))
	}
}

// FullIntensity returns the value a renderer treats as fully opaque.
func (t DataType) FullIntensity() float64 {
	switch t {
	case Uint8:
		return math.MaxUint8
	case Int8:
		return math.MaxInt8
	case Uint16:
		return math.MaxUint16
	case Int16:
		return math.MaxInt16
	case Uint32:
		return math.MaxUint32
	case Int32:
		return math.MaxInt32
	default:
		return 1
	}
}

// DecodeFloat32s decodes a little-endian buffer of t elements.
func DecodeFloat32s(t DataType, b []byte) ([]float32, error) {
	size := t.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: unknown data type %q", ErrInvalidDescriptor, t)
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %s element size", ErrSizeMismatch, len(b), t)
	}
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = float32(t.Float64(b, i))
	}
	return out, nil
}

// DecodeUint32s decodes a little-endian uint32 buffer.
func DecodeUint32s(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of uint32 element size", ErrSizeMismatch, len(b))
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out, nil
}
