package tensor

import (
	"fmt"
)

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp("Add", a, b, func(x, y float32) float32 { return x + y })
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (tensor method version).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// elementWiseOp performs an element-wise operation with numpy-style broadcasting.
func elementWiseOp(op string, a, b *Tensor, fn func(float32, float32) float32) (*Tensor, error) {
	outShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result := NewTensor(outShape)
	sa := broadcastStrides(a.Shape, outShape)
	sb := broadcastStrides(b.Shape, outShape)
	forEachBroadcast(outShape, sa, sb, func(o, ia, ib int) {
		result.Data[o] = fn(a.Data[ia], b.Data[ib])
	})
	return result, nil
}

// BroadcastShapes computes the shape two operands broadcast to, aligning
// trailing dimensions. A dimension of 1 stretches to match the other operand.
func BroadcastShapes(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)

	for i := 0; i < maxLen; i++ {
		dimA := 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		dimB := 1
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}

		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, NewShapeError("broadcast", "incompatible dimensions %d and %d in shapes %v and %v",
				dimA, dimB, a, b)
		}

		if dimA == 1 {
			result[maxLen-1-i] = dimB
		} else {
			result[maxLen-1-i] = dimA
		}
	}

	return result, nil
}

// broadcastStrides returns the strides of shape laid out against out, with a
// zero stride on every axis that is broadcast (missing or of size 1).
func broadcastStrides(shape, out []int) []int {
	strides := make([]int, len(out))
	inStrides := computeStrides(shape)
	diff := len(out) - len(shape)
	for i := range shape {
		if shape[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

// forEachBroadcast visits every element of out in row-major order, passing
// the flat output index and the matching flat offsets into two operands
// described by their broadcast strides.
func forEachBroadcast(out, sa, sb []int, fn func(o, ia, ib int)) {
	total := shapeSize(out)
	if total == 0 {
		return
	}

	idx := make([]int, len(out))
	ia, ib := 0, 0
	for o := 0; o < total; o++ {
		fn(o, ia, ib)
		for d := len(out) - 1; d >= 0; d-- {
			idx[d]++
			ia += sa[d]
			ib += sb[d]
			if idx[d] < out[d] {
				break
			}
			ia -= sa[d] * out[d]
			ib -= sb[d] * out[d]
			idx[d] = 0
		}
	}
}
