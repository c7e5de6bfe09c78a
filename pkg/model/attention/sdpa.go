// Package attention implements scaled dot-product attention and the
// multi-head layers built on it.
//
// The package provides:
//   - ScaledDotProduct: softmax(q·kᵀ·scale + mask)·v over arbitrary batch axes
//   - GroupedScaledDotProduct: the same computation where groups of query
//     heads share one key/value head
//   - MultiHeadAttention: projections, head splitting and output projection
//     around ScaledDotProduct
//   - GroupedQueryAttention: the grouped layer with RoPE and optional
//     projection biases
//
// All functions are pure: inputs are never modified and every result is
// freshly allocated.
package attention

import (
	"fmt"

	"tinyllm/logutil"
	"tinyllm/pkg/tensor"
)

// ScaledDotProduct computes attention for query (..., L, D), key (..., S, D)
// and value (..., S, Dv), returning (..., L, Dv).
//
// Steps:
//  1. scores = query · keyᵀ, shape (..., L, S)
//  2. scores *= scale (1/√D unless WithScale is given)
//  3. scores += mask, if WithMask is given
//  4. probs = softmax(scores) along S
//  5. output = probs · value
//
// Leading batch axes broadcast against each other. Returns a
// *tensor.ShapeError if D differs between query and key, if S differs
// between key and value, or if the batch axes or mask do not broadcast.
func ScaledDotProduct(query, key, value *tensor.Tensor, opts ...func(*Options)) (*tensor.Tensor, error) {
	o := newOptions(opts)

	if len(value.Shape) < 2 {
		return nil, tensor.NewShapeError("ScaledDotProduct", "value must be at least 2D, got shape %v", value.Shape)
	}
	if len(key.Shape) >= 2 && key.Dim(-2) != value.Dim(-2) {
		return nil, tensor.NewShapeError("ScaledDotProduct", "key length %d does not match value length %d",
			key.Dim(-2), value.Dim(-2))
	}

	probs, err := weights("ScaledDotProduct", query, key, o)
	if err != nil {
		return nil, err
	}

	output, err := tensor.Matmul(probs, value)
	if err != nil {
		return nil, fmt.Errorf("failed to apply attention to value: %w", err)
	}

	return tensor.Round(output, o.DType), nil
}

// Weights returns the attention probabilities softmax(q·kᵀ·scale + mask)
// of shape (..., L, S). Each row along S sums to 1 unless every entry of it
// is masked, in which case the row is all zeros.
func Weights(query, key *tensor.Tensor, opts ...func(*Options)) (*tensor.Tensor, error) {
	return weights("Weights", query, key, newOptions(opts))
}

func weights(op string, query, key *tensor.Tensor, o Options) (*tensor.Tensor, error) {
	if len(query.Shape) < 2 || len(key.Shape) < 2 {
		return nil, tensor.NewShapeError(op, "query and key must be at least 2D, got shapes %v and %v",
			query.Shape, key.Shape)
	}
	d := query.Dim(-1)
	if key.Dim(-1) != d {
		return nil, tensor.NewShapeError(op, "head dim mismatch: query has %d, key has %d", d, key.Dim(-1))
	}

	if logutil.TraceEnabled() {
		logutil.Trace("attention", "op", op, "query", query.Shape, "key", key.Shape, "scale", o.scaleFor(d))
	}

	// (..., L, D) · (..., S, D)ᵀ → (..., L, S)
	scores, err := tensor.MatmulT(query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = scores.Scale(o.scaleFor(d))

	if o.Mask != nil {
		shape, err := tensor.BroadcastShapes(scores.Shape, o.Mask.Shape)
		if err != nil || !tensor.ShapeEqual(shape, scores.Shape) {
			return nil, tensor.NewShapeError(op, "mask shape %v does not broadcast to scores shape %v",
				o.Mask.Shape, scores.Shape)
		}
		scores, err = tensor.Add(scores, o.Mask)
		if err != nil {
			return nil, fmt.Errorf("failed to apply mask: %w", err)
		}
	}

	probs, err := tensor.Softmax(scores, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to apply softmax: %w", err)
	}
	return probs, nil
}
