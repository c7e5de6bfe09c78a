package attention

import (
	"fmt"
	"log/slog"

	"tinyllm/logutil"
	"tinyllm/pkg/model"
	"tinyllm/pkg/tensor"
)

// MultiHeadAttention implements multi-head attention with fixed projection
// weights.
//
// This splits the attention computation across multiple heads, allowing the
// model to jointly attend to information from different representation
// subspaces.
//
// Architecture:
//   - WQ, WK, WV: (H*D, E) projections into H heads of dimension D
//   - every head runs ScaledDotProduct independently
//   - WO: (E, H*D) combines all heads
type MultiHeadAttention struct {
	HiddenSize int
	NumHeads   int
	HeadDim    int
	DType      tensor.DType

	WQ, WK, WV, WO *model.Linear
}

// NewMultiHeadAttention creates a multi-head attention layer from its four
// weight matrices. Returns a *tensor.ShapeError if hiddenSize is not
// divisible by numHeads or a weight has the wrong shape.
func NewMultiHeadAttention(hiddenSize, numHeads int, wq, wk, wv, wo *tensor.Tensor) (*MultiHeadAttention, error) {
	cfg := model.AttentionConfig{HiddenSize: hiddenSize, NumHeads: numHeads}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	headDim := cfg.HeadDimension()
	inner := numHeads * headDim

	m := &MultiHeadAttention{
		HiddenSize: hiddenSize,
		NumHeads:   numHeads,
		HeadDim:    headDim,
		DType:      tensor.DefaultDType(),
	}

	for _, p := range []struct {
		name    string
		w       *tensor.Tensor
		dst     **model.Linear
		out, in int
	}{
		{"wq", wq, &m.WQ, inner, hiddenSize},
		{"wk", wk, &m.WK, inner, hiddenSize},
		{"wv", wv, &m.WV, inner, hiddenSize},
		{"wo", wo, &m.WO, hiddenSize, inner},
	} {
		if p.w == nil {
			return nil, tensor.NewShapeError("NewMultiHeadAttention", "%s is required", p.name)
		}
		l, err := model.NewLinear(p.w, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", p.name, err)
		}
		if err := checkLinear("NewMultiHeadAttention", p.name, l, p.out, p.in); err != nil {
			return nil, err
		}
		*p.dst = l
	}

	slog.Debug("multi-head attention", "hidden", hiddenSize, "heads", numHeads, "head_dim", headDim)
	return m, nil
}

// Forward computes multi-head attention.
//
// Input shapes:
//   - query: (batch, L, E)
//   - key, value: (batch, S, E)
//   - mask: optional additive mask broadcastable to (batch, H, L, S), or nil
//
// Output shape: (batch, L, E)
func (m *MultiHeadAttention) Forward(query, key, value, mask *tensor.Tensor) (*tensor.Tensor, error) {
	for _, in := range []struct {
		name string
		t    *tensor.Tensor
	}{{"query", query}, {"key", key}, {"value", value}} {
		if len(in.t.Shape) != 3 || in.t.Shape[2] != m.HiddenSize {
			return nil, tensor.NewShapeError("MultiHeadAttention", "expected %s (batch, seq, %d), got shape %v",
				in.name, m.HiddenSize, in.t.Shape)
		}
	}
	if key.Shape[0] != query.Shape[0] || !key.ShapeEquals(value) {
		return nil, tensor.NewShapeError("MultiHeadAttention", "query %v, key %v and value %v do not match",
			query.Shape, key.Shape, value.Shape)
	}

	if logutil.TraceEnabled() {
		logutil.Trace("multi-head attention", "query", query.Shape, "key", key.Shape, "masked", mask != nil)
	}

	// Step 1: project to (batch, seq, H*D)
	// Step 2: split into heads (batch, H, seq, D)
	q, err := m.heads(m.WQ, query)
	if err != nil {
		return nil, fmt.Errorf("failed to compute query: %w", err)
	}
	k, err := m.heads(m.WK, key)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key: %w", err)
	}
	v, err := m.heads(m.WV, value)
	if err != nil {
		return nil, fmt.Errorf("failed to compute value: %w", err)
	}

	// Step 3: attention per head
	attnOutput, err := ScaledDotProduct(q, k, v, WithMask(mask), WithDType(m.DType))
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention: %w", err)
	}

	// Step 4: (batch, H, L, D) -> (batch, L, H*D)
	merged, err := MergeHeads(attnOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to merge heads: %w", err)
	}

	// Step 5: output projection
	output, err := m.WO.Forward(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to apply output projection: %w", err)
	}

	return tensor.Round(output, m.DType), nil
}

// ForwardMask is Forward with a Mask resolved against the query and key
// lengths.
func (m *MultiHeadAttention) ForwardMask(query, key, value *tensor.Tensor, mask Mask) (*tensor.Tensor, error) {
	if len(query.Shape) < 2 || len(key.Shape) < 2 {
		return nil, tensor.NewShapeError("MultiHeadAttention", "expected 3D query and key, got shapes %v and %v",
			query.Shape, key.Shape)
	}
	t, err := mask.Resolve(query.Dim(-2), key.Dim(-2))
	if err != nil {
		return nil, err
	}
	return m.Forward(query, key, value, t)
}

func (m *MultiHeadAttention) heads(l *model.Linear, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := l.Forward(x)
	if err != nil {
		return nil, err
	}
	return SplitHeads(y, m.NumHeads)
}
