// Package distance provides the similarity kernel used by the index.
//
// Vectors stored in the index are L2-normalized once at insertion, so the hot
// path reduces cosine similarity to a dot product. The dot product dispatches at
// init time: when the CPU exposes SIMD extensions (detected with cpuid) the
// Gonum BLAS implementation is used, otherwise a pure Go loop.
package distance

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/klauspost/cpuid/v2"
	"github.com/sanonone/kektorvec/pkg/core/types"
	"gonum.org/v1/gonum/blas/gonum"
)

// Metric identifies the similarity measure of an index.
type Metric string

// Precision identifies how vector components are stored.
type Precision string

const (
	// Cosine is cosine similarity; distances are reported as 1 - similarity.
	Cosine Metric = "cosine"

	// Float32 stores components as single-precision floats.
	Float32 Precision = "float32"
	// Float16 rounds components to half precision at insertion and persists
	// them in two bytes each.
	Float16 Precision = "float16"
)

// ParseMetric validates a metric name. The empty string selects Cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Cosine:
		return Cosine, nil
	}
	return "", fmt.Errorf("%w: unsupported metric %q", types.ErrInvalidArgument, s)
}

// ParsePrecision validates a precision name. The empty string selects Float32.
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case "", Float32:
		return Float32, nil
	case Float16:
		return Float16, nil
	}
	return "", fmt.Errorf("%w: unsupported precision %q", types.ErrInvalidArgument, s)
}

// DistanceFunc computes the distance between two stored (normalized) vectors.
type DistanceFunc func(v1, v2 []float32) (float64, error)

var gonumEngine = gonum.Implementation{}

// dotImpl is selected once in init.
var dotImpl = dotProductGo

func init() {
	if cpuid.CPU.Has(cpuid.AVX2) || cpuid.CPU.Has(cpuid.ASIMD) {
		dotImpl = dotProductGonum
		float32Funcs[Cosine] = dotProductAsDistanceGonum
	}
	slog.Debug("distance kernel selected",
		"cpu", cpuid.CPU.BrandName,
		"avx2", cpuid.CPU.Has(cpuid.AVX2),
		"asimd", cpuid.CPU.Has(cpuid.ASIMD),
	)
}

// dotProductGo is the pure Go reference implementation.
func dotProductGo(v1, v2 []float32) float32 {
	var sum float32
	for i := range v1 {
		sum += v1[i] * v2[i]
	}
	return sum
}

func dotProductGonum(v1, v2 []float32) float32 {
	return gonumEngine.Sdot(len(v1), v1, 1, v2, 1)
}

func dotProductAsDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("%w: %d != %d", types.ErrDimensionMismatch, len(v1), len(v2))
	}
	return 1.0 - clamp(float64(dotProductGo(v1, v2))), nil
}

func dotProductAsDistanceGonum(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("%w: %d != %d", types.ErrDimensionMismatch, len(v1), len(v2))
	}
	return 1.0 - clamp(float64(dotProductGonum(v1, v2))), nil
}

// float32Funcs maps a metric to its distance over normalized vectors.
var float32Funcs = map[Metric]DistanceFunc{
	Cosine: dotProductAsDistanceGo,
}

// GetFloat32Func returns the distance function for a metric over normalized
// float32 vectors.
func GetFloat32Func(metric Metric) (DistanceFunc, error) {
	fn, ok := float32Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("%w: metric %q not supported", types.ErrInvalidArgument, metric)
	}
	return fn, nil
}

// Dot returns the dot product of two equal-length vectors.
func Dot(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("%w: %d != %d", types.ErrDimensionMismatch, len(v1), len(v2))
	}
	return float64(dotImpl(v1, v2)), nil
}

// CosineSimilarity normalizes each vector by its own magnitude and returns a
// value in [-1, 1]. A zero-magnitude vector has similarity 0 with everything.
func CosineSimilarity(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("%w: %d != %d", types.ErrDimensionMismatch, len(v1), len(v2))
	}
	var dot, n1, n2 float64
	for i := range v1 {
		a, b := float64(v1[i]), float64(v2[i])
		dot += a * b
		n1 += a * a
		n2 += b * b
	}
	if n1 == 0 || n2 == 0 {
		return 0, nil
	}
	return clamp(dot / (math.Sqrt(n1) * math.Sqrt(n2))), nil
}

// CheckFinite rejects vectors holding NaN or infinite components.
func CheckFinite(v []float32) error {
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: component %d is %v", types.ErrInvalidArgument, i, x)
		}
	}
	return nil
}

// Norm returns the L2 magnitude of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. Zero vectors are copied unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace scales v to unit length.
func NormalizeInPlace(v []float32) {
	norm := Norm(v)
	if norm == 0 {
		return
	}
	inv := 1.0 / norm
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

func clamp(s float64) float64 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}
