package model

import (
	"fmt"

	"tinyllm/pkg/tensor"
)

// Project applies a linear layer to the trailing axis of x.
//
// Shapes:
//   - x: (..., in)
//   - w: (out, in)
//   - bias: (out,) or nil
//
// Returns x·wᵀ + bias with shape (..., out). The weight is read in place;
// it is never copied or transposed.
func Project(x, w, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, tensor.NewShapeError("Project", "weight must be 2D (out, in), got shape %v", w.Shape)
	}
	out, in := w.Shape[0], w.Shape[1]

	if len(x.Shape) == 0 || x.Shape[len(x.Shape)-1] != in {
		return nil, tensor.NewShapeError("Project", "input shape %v does not end in %d (weight shape %v)",
			x.Shape, in, w.Shape)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != out) {
		return nil, tensor.NewShapeError("Project", "bias shape %v, expected [%d]", bias.Shape, out)
	}

	lead := x.Shape[:len(x.Shape)-1]
	rows := 1
	for _, d := range lead {
		rows *= d
	}

	// (rows, in) · (out, in)ᵀ → (rows, out)
	flat, err := x.View([]int{rows, in})
	if err != nil {
		return nil, fmt.Errorf("failed to flatten input: %w", err)
	}
	y, err := tensor.MatmulT(flat, w)
	if err != nil {
		return nil, fmt.Errorf("failed to project: %w", err)
	}

	if bias != nil {
		y, err = tensor.Add(y, bias)
		if err != nil {
			return nil, fmt.Errorf("failed to add bias: %w", err)
		}
	}

	return y.View(append(append([]int{}, lead...), out))
}

// Linear is a fixed linear layer y = x·Weightᵀ + Bias.
type Linear struct {
	Weight *tensor.Tensor // (out, in)
	Bias   *tensor.Tensor // (out,) or nil
}

// NewLinear creates a linear layer, validating that the weight is 2D and the
// bias (if any) matches its output dimension.
func NewLinear(weight, bias *tensor.Tensor) (*Linear, error) {
	if weight == nil {
		return nil, tensor.NewShapeError("NewLinear", "weight is required")
	}
	if len(weight.Shape) != 2 {
		return nil, tensor.NewShapeError("NewLinear", "weight must be 2D (out, in), got shape %v", weight.Shape)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != weight.Shape[0]) {
		return nil, tensor.NewShapeError("NewLinear", "bias shape %v, expected [%d]", bias.Shape, weight.Shape[0])
	}
	return &Linear{Weight: weight, Bias: bias}, nil
}

// InFeatures returns the input dimension of the layer.
func (l *Linear) InFeatures() int { return l.Weight.Shape[1] }

// OutFeatures returns the output dimension of the layer.
func (l *Linear) OutFeatures() int { return l.Weight.Shape[0] }

// Forward applies the layer to the trailing axis of x.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return Project(x, l.Weight, l.Bias)
}
