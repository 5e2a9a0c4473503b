package arraystore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is the element type of a dataset. Values are stored little-endian.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
)

// ParseDType validates a textual element type.
func ParseDType(value string) (DType, error) {
	d := DType(value)
	if d.Size() == 0 {
		return "", fmt.Errorf("unsupported element type %q", value)
	}
	return d, nil
}

// Size returns the element width in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case Uint16:
		return 2
	case Float32, Uint32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func encodeValues[T float32 | float64](dst []byte, d DType, src []T) {
	size := d.Size()
	for k, v := range src {
		off := k * size
		switch d {
		case Float32:
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(dst[off:], math.Float64bits(float64(v)))
		case Uint16:
			binary.LittleEndian.PutUint16(dst[off:], uint16(clampRound(float64(v), math.MaxUint16)))
		case Uint32:
			binary.LittleEndian.PutUint32(dst[off:], uint32(clampRound(float64(v), math.MaxUint32)))
		}
	}
}

func decodeValues[T float32 | float64](dst []T, d DType, src []byte) {
	size := d.Size()
	for k := range dst {
		off := k * size
		switch d {
		case Float32:
			dst[k] = T(math.Float32frombits(binary.LittleEndian.Uint32(src[off:])))
		case Float64:
			dst[k] = T(math.Float64frombits(binary.LittleEndian.Uint64(src[off:])))
		case Uint16:
			dst[k] = T(binary.LittleEndian.Uint16(src[off:]))
		case Uint32:
			dst[k] = T(binary.LittleEndian.Uint32(src[off:]))
		}
	}
}

func clampRound(v, max float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= max {
		return max
	}
	return math.Round(v)
}
