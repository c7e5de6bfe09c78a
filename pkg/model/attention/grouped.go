package attention

import (
	"fmt"
	"log/slog"

	"tinyllm/logutil"
	"tinyllm/pkg/model"
	"tinyllm/pkg/tensor"
)

// GroupedScaledDotProduct computes attention where Hq query heads share Hkv
// key/value heads.
//
// Input shapes:
//   - query: (..., Hq, L, D)
//   - key: (..., Hkv, S, D)
//   - value: (..., Hkv, S, Dv)
//   - mask (optional): broadcastable to (..., Hq, L, S)
//
// Output shape: (..., Hq, L, Dv)
//
// Query head h attends against key/value head h/G where G = Hq/Hkv. The
// query is viewed as (..., Hkv, G, L, D) and key/value as
// (..., Hkv, 1, S, D), so each key/value head is read by its G query heads
// through broadcasting and never copied. The result equals running
// ScaledDotProduct per query head against its key/value head; with G = 1 it
// is exactly ScaledDotProduct.
//
// Returns a *tensor.ShapeError if Hq is not a multiple of Hkv, if any input
// has fewer than three dimensions, or for any mismatch ScaledDotProduct
// rejects.
func GroupedScaledDotProduct(query, key, value *tensor.Tensor, opts ...func(*Options)) (*tensor.Tensor, error) {
	o := newOptions(opts)

	if len(query.Shape) < 3 || len(key.Shape) < 3 || len(value.Shape) < 3 {
		return nil, tensor.NewShapeError("GroupedScaledDotProduct",
			"expected at least 3D tensors (..., heads, seq, dim), got shapes %v, %v and %v",
			query.Shape, key.Shape, value.Shape)
	}

	numHeads, numKVHeads := query.Dim(-3), key.Dim(-3)
	if value.Dim(-3) != numKVHeads {
		return nil, tensor.NewShapeError("GroupedScaledDotProduct", "key has %d heads, value has %d",
			numKVHeads, value.Dim(-3))
	}

	// Step 1: (..., Hq, L, D) -> (..., Hkv, G, L, D)
	q, err := SplitGroups(query, numKVHeads)
	if err != nil {
		return nil, err
	}

	// Step 2: (..., Hkv, S, D) -> (..., Hkv, 1, S, D)
	k, err := expandGroupAxis(key)
	if err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	v, err := expandGroupAxis(value)
	if err != nil {
		return nil, fmt.Errorf("failed to expand value: %w", err)
	}

	// Step 3: mask (..., Hq, L, S) -> (..., Hkv, G, L, S)
	if o.Mask != nil {
		lead, err := tensor.BroadcastShapes(query.Shape[:len(query.Shape)-3], key.Shape[:len(key.Shape)-3])
		if err != nil {
			return nil, tensor.NewShapeError("GroupedScaledDotProduct", "query %v and key %v batch axes do not broadcast",
				query.Shape, key.Shape)
		}
		scores := append(lead, numHeads, query.Dim(-2), key.Dim(-2))
		shape, err := tensor.BroadcastShapes(scores, o.Mask.Shape)
		if err != nil || !tensor.ShapeEqual(shape, scores) {
			return nil, tensor.NewShapeError("GroupedScaledDotProduct", "mask shape %v does not broadcast to scores shape %v",
				o.Mask.Shape, scores)
		}
	}
	mask, err := alignMaskToGroups(o.Mask, numHeads, numKVHeads)
	if err != nil {
		return nil, err
	}

	// Steps 4-6: scores, softmax and weighted sum, batched over (Hkv, G)
	out, err := ScaledDotProduct(q, k, v, withOptions(o), WithMask(mask))
	if err != nil {
		return nil, err
	}

	// Step 7: (..., Hkv, G, L, Dv) -> (..., Hq, L, Dv)
	return MergeGroups(out)
}

// GroupedQueryAttention is a self-attention layer whose NumHeads query heads
// share NumKVHeads key/value heads, with rotary position embeddings applied
// to query and key.
//
// Architecture:
//   - WQ: (Hq*D, E), WK and WV: (Hkv*D, E), each with an optional bias
//   - WO: (E, Hq*D)
//   - RoPE over the head dimension when Config.MaxSeqLen > 0
//
// Weights and RoPE tables are read-only after construction.
type GroupedQueryAttention struct {
	Config model.AttentionConfig

	WQ, WK, WV, WO *model.Linear
	RoPE           *model.RoPE // nil when the layer has no positional rotation
}

// NewGroupedQueryAttention validates cfg against the projection weights and
// builds the RoPE tables. When cfg.QKVBias is set the query, key and value
// projections must carry a bias; otherwise none of them may.
func NewGroupedQueryAttention(cfg model.AttentionConfig, wq, wk, wv, wo *model.Linear) (*GroupedQueryAttention, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hidden, headDim := cfg.HiddenSize, cfg.HeadDimension()
	qDim, kvDim := cfg.NumHeads*headDim, cfg.KVHeads()*headDim

	for _, p := range []struct {
		name    string
		l       *model.Linear
		out, in int
		bias    bool
	}{
		{"wq", wq, qDim, hidden, cfg.QKVBias},
		{"wk", wk, kvDim, hidden, cfg.QKVBias},
		{"wv", wv, kvDim, hidden, cfg.QKVBias},
		{"wo", wo, hidden, qDim, false},
	} {
		if err := checkLinear("NewGroupedQueryAttention", p.name, p.l, p.out, p.in); err != nil {
			return nil, err
		}
		if p.name != "wo" && (p.l.Bias != nil) != p.bias {
			return nil, tensor.NewShapeError("NewGroupedQueryAttention", "%s bias present=%v, qkv_bias=%v",
				p.name, p.l.Bias != nil, p.bias)
		}
	}

	g := &GroupedQueryAttention{Config: cfg, WQ: wq, WK: wk, WV: wv, WO: wo}
	if rc, ok := cfg.RoPEConfig(); ok {
		rope, err := model.NewRoPE(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to create rope: %w", err)
		}
		g.RoPE = rope
	}

	slog.Debug("grouped query attention", "hidden", hidden, "heads", cfg.NumHeads,
		"kv_heads", cfg.KVHeads(), "head_dim", headDim, "group", cfg.GroupSize(), "rope", g.RoPE != nil)
	return g, nil
}

// Forward computes grouped-query self-attention.
//
// Input shapes:
//   - x: (batch, seq, E)
//   - mask: resolved against (seq, seq)
//   - offsets: RoPE positions, see model.RoPE.Apply; ignored without RoPE
//
// Output shape: (batch, seq, E)
func (g *GroupedQueryAttention) Forward(x *tensor.Tensor, mask Mask, offsets ...model.Span) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2] != g.Config.HiddenSize {
		return nil, tensor.NewShapeError("GroupedQueryAttention", "expected input (batch, seq, %d), got shape %v",
			g.Config.HiddenSize, x.Shape)
	}
	seqLen := x.Shape[1]

	if logutil.TraceEnabled() {
		logutil.Trace("grouped query attention", "shape", x.Shape, "mask", mask.Kind, "offsets", offsets)
	}

	// Step 1: project and view as (batch, seq, heads, head_dim)
	q, err := g.project(g.WQ, x, g.Config.NumHeads)
	if err != nil {
		return nil, fmt.Errorf("failed to compute query: %w", err)
	}
	k, err := g.project(g.WK, x, g.Config.KVHeads())
	if err != nil {
		return nil, fmt.Errorf("failed to compute key: %w", err)
	}
	v, err := g.project(g.WV, x, g.Config.KVHeads())
	if err != nil {
		return nil, fmt.Errorf("failed to compute value: %w", err)
	}

	// Step 2: rotate query and key
	if g.RoPE != nil {
		if q, err = g.RoPE.Apply(q, offsets...); err != nil {
			return nil, fmt.Errorf("failed to apply rope to query: %w", err)
		}
		if k, err = g.RoPE.Apply(k, offsets...); err != nil {
			return nil, fmt.Errorf("failed to apply rope to key: %w", err)
		}
	}

	// Step 3: (batch, seq, heads, head_dim) -> (batch, heads, seq, head_dim)
	if q, err = q.Transpose(1, 2); err != nil {
		return nil, fmt.Errorf("failed to transpose query: %w", err)
	}
	if k, err = k.Transpose(1, 2); err != nil {
		return nil, fmt.Errorf("failed to transpose key: %w", err)
	}
	if v, err = v.Transpose(1, 2); err != nil {
		return nil, fmt.Errorf("failed to transpose value: %w", err)
	}

	// Step 4: grouped attention
	m, err := mask.Resolve(seqLen, seqLen)
	if err != nil {
		return nil, err
	}
	attnOutput, err := GroupedScaledDotProduct(q, k, v, WithMask(m), WithDType(g.Config.DType))
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention: %w", err)
	}

	// Step 5: merge heads and project back to E
	merged, err := MergeHeads(attnOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to merge heads: %w", err)
	}
	output, err := g.WO.Forward(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to apply output projection: %w", err)
	}

	return tensor.Round(output, g.Config.DType), nil
}

func (g *GroupedQueryAttention) project(l *model.Linear, x *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	y, err := l.Forward(x)
	if err != nil {
		return nil, err
	}
	return viewHeads(y, heads)
}

// checkLinear verifies that l is a (out, in) projection.
func checkLinear(op, name string, l *model.Linear, out, in int) error {
	if l == nil || l.Weight == nil {
		return tensor.NewShapeError(op, "%s is required", name)
	}
	if !tensor.ShapeEqual(l.Weight.Shape, []int{out, in}) {
		return tensor.NewShapeError(op, "%s has shape %v, expected [%d %d]", name, l.Weight.Shape, out, in)
	}
	if l.Bias != nil && !tensor.ShapeEqual(l.Bias.Shape, []int{out}) {
		return tensor.NewShapeError(op, "%s bias has shape %v, expected [%d]", name, l.Bias.Shape, out)
	}
	return nil
}
