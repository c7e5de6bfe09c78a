package attention

import (
	"tinyllm/pkg/tensor"
)

// SplitHeads reshapes projected vectors (..., L, H*D) into per-head
// vectors (..., H, L, D). The result is a fresh tensor.
func SplitHeads(x *tensor.Tensor, numHeads int) (*tensor.Tensor, error) {
	v, err := viewHeads(x, numHeads)
	if err != nil {
		return nil, err
	}
	return v.Transpose(-3, -2)
}

// MergeHeads is the inverse of SplitHeads: (..., H, L, D) becomes
// (..., L, H*D).
func MergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 3 {
		return nil, tensor.NewShapeError("MergeHeads", "expected at least 3D tensor (..., heads, seq, dim), got shape %v", x.Shape)
	}
	t, err := x.Transpose(-3, -2)
	if err != nil {
		return nil, err
	}
	rank := len(t.Shape)
	shape := append(append([]int{}, t.Shape[:rank-2]...), t.Shape[rank-2]*t.Shape[rank-1])
	return t.View(shape)
}

// viewHeads views (..., L, H*D) as (..., L, H, D) without copying.
func viewHeads(x *tensor.Tensor, numHeads int) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, tensor.NewShapeError("SplitHeads", "expected at least 2D tensor (..., seq, hidden), got shape %v", x.Shape)
	}
	hidden := x.Dim(-1)
	if numHeads <= 0 || hidden%numHeads != 0 {
		return nil, tensor.NewShapeError("SplitHeads", "hidden size %d is not divisible by %d heads", hidden, numHeads)
	}
	rank := len(x.Shape)
	shape := append(append([]int{}, x.Shape[:rank-1]...), numHeads, hidden/numHeads)
	return x.View(shape)
}

// SplitGroups views query heads (..., Hq, L, D) as (..., Hkv, G, L, D)
// where G = Hq / Hkv. Query head h lands in group h/G. The result shares
// storage with x.
func SplitGroups(x *tensor.Tensor, numKVHeads int) (*tensor.Tensor, error) {
	if len(x.Shape) < 3 {
		return nil, tensor.NewShapeError("SplitGroups", "expected at least 3D tensor (..., heads, seq, dim), got shape %v", x.Shape)
	}
	rank := len(x.Shape)
	heads := x.Shape[rank-3]
	if numKVHeads <= 0 || heads%numKVHeads != 0 {
		return nil, tensor.NewShapeError("SplitGroups", "%d query heads are not a multiple of %d key/value heads",
			heads, numKVHeads)
	}
	shape := append(append([]int{}, x.Shape[:rank-3]...), numKVHeads, heads/numKVHeads, x.Shape[rank-2], x.Shape[rank-1])
	return x.View(shape)
}

// MergeGroups is the inverse of SplitGroups: (..., Hkv, G, L, D) becomes
// (..., Hkv*G, L, D). The result shares storage with x.
func MergeGroups(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 4 {
		return nil, tensor.NewShapeError("MergeGroups", "expected at least 4D tensor (..., kv_heads, group, seq, dim), got shape %v", x.Shape)
	}
	rank := len(x.Shape)
	shape := append(append([]int{}, x.Shape[:rank-4]...), x.Shape[rank-4]*x.Shape[rank-3], x.Shape[rank-2], x.Shape[rank-1])
	return x.View(shape)
}

// expandGroupAxis views key/value heads (..., Hkv, S, D) as
// (..., Hkv, 1, S, D) so they broadcast over the group axis of the query.
func expandGroupAxis(x *tensor.Tensor) (*tensor.Tensor, error) {
	rank := len(x.Shape)
	shape := append(append([]int{}, x.Shape[:rank-2]...), 1, x.Shape[rank-2], x.Shape[rank-1])
	return x.View(shape)
}

// alignMaskToGroups reshapes a mask broadcastable to (..., Hq, L, S) so it
// broadcasts to the grouped score shape (..., Hkv, G, L, S). A mask of rank
// two or less has no head axis and is returned unchanged.
func alignMaskToGroups(mask *tensor.Tensor, numHeads, numKVHeads int) (*tensor.Tensor, error) {
	if mask == nil || len(mask.Shape) < 3 {
		return mask, nil
	}
	rank := len(mask.Shape)
	lead := mask.Shape[:rank-3]
	tail := mask.Shape[rank-2:]

	var groups []int
	switch mask.Shape[rank-3] {
	case 1:
		groups = []int{1, 1}
	case numHeads:
		groups = []int{numKVHeads, numHeads / numKVHeads}
	default:
		return nil, tensor.NewShapeError("GroupedScaledDotProduct", "mask head axis %d does not match %d query heads",
			mask.Shape[rank-3], numHeads)
	}

	shape := append(append(append([]int{}, lead...), groups...), tail...)
	return mask.View(shape)
}
