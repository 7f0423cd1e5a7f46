// Package vec holds the float32 vector helpers shared by the intent encoder,
// the privacy pipeline, and temporal clustering. Intent vectors are plain
// []float32 of dimension 128; persistence uses the little-endian blob format
// from Serialize.
package vec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Dim is the intent vector dimensionality.
const Dim = 128

// Serialize converts a float32 slice to bytes (little-endian).
func Serialize(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// Deserialize converts bytes back to a float32 slice.
func Deserialize(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vec: blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}

// Cosine computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Norm computes the L2 norm of a vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize scales v in place to unit L2 norm. Zero vectors are left as-is.
func Normalize(v []float32) {
	n := Norm(v)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

// Quantize rounds every component of v in place to the given number of
// decimal places. Intent vectors are quantized to 4 decimals so that equal
// inputs produce byte-identical vectors across platforms.
func Quantize(v []float32, decimals int) {
	scale := math.Pow(10, float64(decimals))
	for i := range v {
		v[i] = float32(math.Round(float64(v[i])*scale) / scale)
	}
}

// Mean computes the element-wise mean of the given vectors, skipping empty
// ones. Returns nil when no non-empty vector is present.
func Mean(vs [][]float32) []float32 {
	var out []float32
	n := 0
	for _, v := range vs {
		if len(v) == 0 {
			continue
		}
		if out == nil {
			out = make([]float32, len(v))
		}
		if len(v) != len(out) {
			continue
		}
		for i, x := range v {
			out[i] += x
		}
		n++
	}
	if n == 0 {
		return nil
	}
	for i := range out {
		out[i] /= float32(n)
	}
	return out
}
