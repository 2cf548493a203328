package distance

import "github.com/x448/float16"

// RoundFloat16 rounds every component of v to the nearest half-precision value, in place.
func RoundFloat16(v []float32) {
	for i, x := range v {
		v[i] = float16.Fromfloat32(x).Float32()
	}
}

// EncodeFloat16 packs v into IEEE 754 half-precision bit patterns.
func EncodeFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}

// DecodeFloat16 expands half-precision bit patterns back to float32.
func DecodeFloat16(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}
