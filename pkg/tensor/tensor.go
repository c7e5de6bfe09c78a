// Package tensor provides the dense tensor type and numeric primitives used by
// the attention core.
//
// Tensors are row-major float32 arrays. Operations never modify their inputs:
// every op allocates its result, and views created by View/Reshape share
// storage with the tensor they came from but are never written by this
// package.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, heads, seq, dim])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, shapeSize(shape)),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	expectedSize := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, NewShapeError("FromSlice", "invalid dimension %d in shape %v", dim, shape)
		}
		expectedSize *= dim
	}
	if len(data) != expectedSize {
		return nil, NewShapeError("FromSlice", "data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expectedSize)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// MustFromSlice is like FromSlice but panics on error. Intended for literals
// in tests and examples.
func MustFromSlice(data []float32, shape []int) *Tensor {
	t, err := FromSlice(data, shape)
	if err != nil {
		panic(err)
	}
	return t
}

// View returns a new tensor with a different shape but sharing the same underlying data.
// A single dimension may be -1, in which case it is inferred.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	infer := -1
	known := 1
	for i, dim := range shape {
		switch {
		case dim == -1 && infer < 0:
			infer = i
		case dim < 0:
			return nil, NewShapeError("View", "invalid dimension %d in shape %v", dim, newShape)
		default:
			known *= dim
		}
	}

	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, NewShapeError("View", "cannot infer dimension of shape %v for tensor of size %d",
				newShape, len(t.Data))
		}
		shape[infer] = len(t.Data) / known
		known *= shape[infer]
	}

	if known != len(t.Data) {
		return nil, NewShapeError("View", "cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, known)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   shape,
		Strides: computeStrides(shape),
	}, nil
}

// Reshape returns a view with a different shape (same underlying data).
// It panics if the sizes are incompatible; use View to get an error instead.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Permute reorders the axes of the tensor and returns a contiguous copy.
// axes[i] names the source axis that becomes axis i of the result.
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	rank := len(t.Shape)
	if len(axes) != rank {
		return nil, NewShapeError("Permute", "got %d axes for tensor with %d dimensions", len(axes), rank)
	}

	seen := make([]bool, rank)
	newShape := make([]int, rank)
	srcStrides := make([]int, rank)
	for i, axis := range axes {
		if axis < 0 || axis >= rank {
			return nil, &IndexError{Op: "Permute", Index: axis, Len: rank}
		}
		if seen[axis] {
			return nil, NewShapeError("Permute", "axis %d repeated in %v", axis, axes)
		}
		seen[axis] = true
		newShape[i] = t.Shape[axis]
		srcStrides[i] = t.Strides[axis]
	}

	result := NewTensor(newShape)
	if len(result.Data) == 0 {
		return result, nil
	}

	// Walk the destination in order while tracking the matching source offset.
	idx := make([]int, rank)
	src := 0
	for dst := range result.Data {
		result.Data[dst] = t.Data[src]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			src += srcStrides[d]
			if idx[d] < newShape[d] {
				break
			}
			src -= srcStrides[d] * newShape[d]
			idx[d] = 0
		}
	}

	return result, nil
}

// Transpose exchanges two dimensions of the tensor. Negative dimensions count
// from the end.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	d1, err := normalizeAxis("Transpose", dim1, len(t.Shape))
	if err != nil {
		return nil, err
	}
	d2, err := normalizeAxis("Transpose", dim2, len(t.Shape))
	if err != nil {
		return nil, err
	}

	axes := make([]int, len(t.Shape))
	for i := range axes {
		axes[i] = i
	}
	axes[d1], axes[d2] = axes[d2], axes[d1]
	return t.Permute(axes...)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return shapeSize(t.Shape)
}

// NumDims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) NumDims() int {
	return len(t.Shape)
}

// Dim returns the size of axis i. Negative values count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i := 0; i < len(t.Shape); i++ {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices ...int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape)
	copy(c.Data, t.Data)
	return c
}

// ShapeString returns a string representation of the shape.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%v", t.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return ShapeEqual(t.Shape, other.Shape)
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor[")
	for i, dim := range t.Shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d", dim))
	}
	sb.WriteString("]")

	sb.WriteString(": ")
	if len(t.Data) == 0 {
		sb.WriteString("[]")
		return sb.String()
	}
	sb.WriteString(t.formatData(t.Shape, t.Data, 0))

	return sb.String()
}

// formatData recursively formats tensor data
func (t *Tensor) formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	var sb strings.Builder
	sb.WriteString("[")
	if len(shape) == 1 {
		for i := 0; i < shape[0] && i < 6; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%g", data[offset+i]))
		}
		if shape[0] > 6 {
			sb.WriteString(", ...")
		}
		sb.WriteString("]")
		return sb.String()
	}

	subSize := shapeSize(shape[1:])
	for i := 0; i < shape[0] && i < 3; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.formatData(shape[1:], data, offset+i*subSize))
	}
	if shape[0] > 3 {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// normalizeAxis maps a possibly negative axis into [0, rank).
func normalizeAxis(op string, axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, &IndexError{Op: op, Index: axis, Len: rank}
	}
	return axis, nil
}
