package tensor

import (
	"math"
)

// Softmax applies softmax along the specified dimension. Negative dimensions
// count from the end.
//
// Each slice is shifted by its maximum before exponentiation so large scores
// cannot overflow. A slice whose entries are all -Inf (fully masked) has no
// valid distribution and is written as zeros.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	dim, err := normalizeAxis("Softmax", dim, len(t.Shape))
	if err != nil {
		return nil, err
	}

	result := NewTensor(t.Shape)

	n := t.Shape[dim]
	inner := shapeSize(t.Shape[dim+1:])
	outer := shapeSize(t.Shape[:dim])
	if n == 0 || inner == 0 || outer == 0 {
		return result, nil
	}

	// A row is one (outer, inner) pair; its n elements are inner apart.
	rows := outer * inner
	err = ParallelFor(rows, 256, func(start, end int) error {
		for row := start; row < end; row++ {
			base := (row/inner)*n*inner + row%inner
			softmaxRow(result.Data, t.Data, base, n, inner)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func softmaxRow(dst, src []float32, base, n, stride int) {
	maxVal := float32(math.Inf(-1))
	for i := 0; i < n; i++ {
		if v := src[base+i*stride]; v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		for i := 0; i < n; i++ {
			dst[base+i*stride] = 0
		}
		return
	}

	var sum float64
	for i := 0; i < n; i++ {
		e := math.Exp(float64(src[base+i*stride] - maxVal))
		dst[base+i*stride] = float32(e)
		sum += e
	}

	inv := 1 / sum
	for i := 0; i < n; i++ {
		dst[base+i*stride] = float32(float64(dst[base+i*stride]) * inv)
	}
}

// SoftmaxLast applies softmax along the last dimension (convenience function).
func SoftmaxLast(t *Tensor) (*Tensor, error) {
	return Softmax(t, -1)
}
