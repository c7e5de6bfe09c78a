// Package model provides the layer building blocks attention is assembled
// from: linear projections, rotary position embeddings (RoPE) and the layer
// configuration that ties their shapes together.
//
// Everything in this package is immutable after construction. Weights and
// RoPE tables are read-only, so a single layer may serve concurrent forward
// passes without coordination.
package model

import (
	"fmt"

	"tinyllm/pkg/tensor"
)

// AttentionConfig holds the hyperparameters of one attention layer.
type AttentionConfig struct {
	// HiddenSize is the embedding dimension E of the layer input and output.
	HiddenSize int

	// NumHeads is the number of query heads.
	NumHeads int

	// NumKVHeads is the number of key/value heads. Zero means NumHeads
	// (plain multi-head attention).
	NumKVHeads int

	// MaxSeqLen is the number of positions the RoPE tables cover.
	MaxSeqLen int

	// RoPEBase is the frequency base θ. Zero means 10000.
	RoPEBase float32

	// RoPETraditional selects the interleaved pair layout instead of
	// split halves.
	RoPETraditional bool

	// QKVBias adds a bias to the query, key and value projections.
	QKVBias bool

	// DType is the precision outputs are rounded to.
	DType tensor.DType
}

// DefaultAttentionConfig returns the attention shape of Qwen2 0.5B: 14 query
// heads sharing 2 key/value heads of dimension 64.
func DefaultAttentionConfig() AttentionConfig {
	return AttentionConfig{
		HiddenSize: 896,
		NumHeads:   14,
		NumKVHeads: 2,
		MaxSeqLen:  32768,
		RoPEBase:   1000000,
		QKVBias:    true,
		DType:      tensor.DefaultDType(),
	}
}

// Validate checks if the configuration is valid and consistent.
// Returns a *tensor.ShapeError describing the first problem found.
func (c AttentionConfig) Validate() error {
	if c.HiddenSize <= 0 {
		return tensor.NewShapeError("AttentionConfig", "hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NumHeads <= 0 {
		return tensor.NewShapeError("AttentionConfig", "num_heads must be positive, got %d", c.NumHeads)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return tensor.NewShapeError("AttentionConfig", "hidden_size (%d) must be divisible by num_heads (%d)",
			c.HiddenSize, c.NumHeads)
	}
	if kv := c.KVHeads(); kv <= 0 || c.NumHeads%kv != 0 {
		return tensor.NewShapeError("AttentionConfig", "num_heads (%d) must be a multiple of num_kv_heads (%d)",
			c.NumHeads, kv)
	}
	if c.MaxSeqLen < 0 {
		return tensor.NewShapeError("AttentionConfig", "max_seq_len must not be negative, got %d", c.MaxSeqLen)
	}
	if c.MaxSeqLen > 0 && c.HeadDimension()%2 != 0 {
		return tensor.NewShapeError("AttentionConfig", "head_dim must be even for RoPE, got %d", c.HeadDimension())
	}
	return nil
}

// HeadDimension returns the dimension per attention head.
func (c AttentionConfig) HeadDimension() int {
	return c.HiddenSize / c.NumHeads
}

// KVHeads returns the number of key/value heads.
func (c AttentionConfig) KVHeads() int {
	if c.NumKVHeads == 0 {
		return c.NumHeads
	}
	return c.NumKVHeads
}

// GroupSize returns how many query heads share each key/value head.
func (c AttentionConfig) GroupSize() int {
	return c.NumHeads / c.KVHeads()
}

// RoPEConfig returns the rotary embedding configuration for this layer, or
// false when MaxSeqLen is zero and the layer does not use RoPE.
func (c AttentionConfig) RoPEConfig() (RoPEConfig, bool) {
	if c.MaxSeqLen == 0 {
		return RoPEConfig{}, false
	}
	base := c.RoPEBase
	if base == 0 {
		base = DefaultRoPEBase
	}
	return RoPEConfig{
		Dims:        c.HeadDimension(),
		MaxSeqLen:   c.MaxSeqLen,
		Base:        base,
		Traditional: c.RoPETraditional,
		DType:       c.DType,
	}, true
}

func (c AttentionConfig) String() string {
	return fmt.Sprintf("AttentionConfig{hidden=%d heads=%d kv_heads=%d head_dim=%d max_seq_len=%d}",
		c.HiddenSize, c.NumHeads, c.KVHeads(), c.HeadDimension(), c.MaxSeqLen)
}
