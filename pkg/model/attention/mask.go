package attention

import (
	"fmt"
	"math"

	"tinyllm/pkg/tensor"
)

// CausalMask returns the additive (L, S) mask that stops query position i
// from attending to key positions after it. Queries are aligned with the
// last L keys, so entry (i, j) is 0 when j <= i + S - L and -Inf otherwise.
// When L == S this is the usual upper-triangular mask; when S > L the
// queries are the newest tokens of a longer key sequence.
func CausalMask(l, s int) *tensor.Tensor {
	mask := tensor.NewTensor([]int{l, s})
	negInf := float32(math.Inf(-1))
	for i := 0; i < l; i++ {
		for j := i + s - l + 1; j < s; j++ {
			if j >= 0 {
				mask.Data[i*s+j] = negInf
			}
		}
	}
	return mask
}

// MaskKind selects how a Mask is resolved.
type MaskKind int

const (
	// MaskNone applies no mask.
	MaskNone MaskKind = iota
	// MaskExplicit applies a caller supplied additive tensor.
	MaskExplicit
	// MaskCausal builds a CausalMask for the score shape.
	MaskCausal
)

func (k MaskKind) String() string {
	switch k {
	case MaskNone:
		return "none"
	case MaskExplicit:
		return "explicit"
	case MaskCausal:
		return "causal"
	default:
		return fmt.Sprintf("MaskKind(%d)", int(k))
	}
}

// Mask describes the mask a layer should apply. The zero value is no mask.
type Mask struct {
	Kind   MaskKind
	Tensor *tensor.Tensor // set when Kind is MaskExplicit
}

// NoMask returns a Mask that applies nothing.
func NoMask() Mask { return Mask{} }

// Explicit returns a Mask wrapping an additive tensor.
func Explicit(t *tensor.Tensor) Mask { return Mask{Kind: MaskExplicit, Tensor: t} }

// Causal returns a Mask that resolves to a causal mask.
func Causal() Mask { return Mask{Kind: MaskCausal} }

// Resolve returns the concrete additive tensor for L queries against S keys,
// or nil when no mask applies.
func (m Mask) Resolve(l, s int) (*tensor.Tensor, error) {
	switch m.Kind {
	case MaskNone:
		return nil, nil
	case MaskExplicit:
		if m.Tensor == nil {
			return nil, tensor.NewShapeError("Mask", "explicit mask has no tensor")
		}
		return m.Tensor, nil
	case MaskCausal:
		return CausalMask(l, s), nil
	default:
		return nil, fmt.Errorf("unknown mask kind %v", m.Kind)
	}
}
