package model

// This file implements Rotary Position Embeddings (RoPE), which encode the
// absolute position of a token as a rotation of pairs of query/key
// components. Because both query and key are rotated by their own position,
// the dot product between them depends only on the distance between the two
// positions.
//
// Two pair layouts are supported:
//   - split halves (default, Hugging Face style): component i is paired
//     with component i+dims/2
//   - traditional (interleaved, original RoFormer): components 2i and 2i+1
//     form a pair

import (
	"fmt"
	"log/slog"
	"math"

	"tinyllm/logutil"
	"tinyllm/pkg/tensor"
)

// DefaultRoPEBase is the frequency base used when none is configured.
const DefaultRoPEBase = 10000

// RoPEConfig describes the rotation tables of a RoPE instance.
type RoPEConfig struct {
	Dims        int          // Rotated dimension per head, must be even
	MaxSeqLen   int          // Number of positions in the tables
	Base        float32      // Frequency base θ
	Traditional bool         // Interleaved pair layout instead of split halves
	DType       tensor.DType // Precision of the tables and outputs
}

// DefaultRoPEConfig returns a split-half configuration with base 10000 and
// the precision configured by TINYLLM_PRECISION.
func DefaultRoPEConfig(dims, maxSeqLen int) RoPEConfig {
	return RoPEConfig{
		Dims:      dims,
		MaxSeqLen: maxSeqLen,
		Base:      DefaultRoPEBase,
		DType:     tensor.DefaultDType(),
	}
}

// RoPE holds precomputed cosine and sine tables of shape
// (max_seq_len, dims/2), where entry (p, i) is the angle
//
//	angle(p, i) = p / base^(2i/dims)
//
// The tables are computed once in NewRoPE and never modified.
type RoPE struct {
	dims        int
	maxSeqLen   int
	base        float32
	traditional bool
	dtype       tensor.DType

	cos []float32
	sin []float32
}

// NewRoPE precomputes the rotation tables for cfg.
// Returns a *tensor.ShapeError if dims is odd or not positive, or if the
// length or base are not positive.
func NewRoPE(cfg RoPEConfig) (*RoPE, error) {
	if cfg.Dims <= 0 || cfg.Dims%2 != 0 {
		return nil, tensor.NewShapeError("NewRoPE", "dims must be positive and even, got %d", cfg.Dims)
	}
	if cfg.MaxSeqLen <= 0 {
		return nil, tensor.NewShapeError("NewRoPE", "max_seq_len must be positive, got %d", cfg.MaxSeqLen)
	}
	if cfg.Base <= 0 {
		return nil, tensor.NewShapeError("NewRoPE", "base must be positive, got %g", cfg.Base)
	}

	half := cfg.Dims / 2

	// inv_freq[i] = base^(-2i/dims)
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = math.Pow(float64(cfg.Base), -float64(2*i)/float64(cfg.Dims))
	}

	cos := make([]float32, cfg.MaxSeqLen*half)
	sin := make([]float32, cfg.MaxSeqLen*half)
	for p := 0; p < cfg.MaxSeqLen; p++ {
		for i, f := range invFreq {
			angle := float64(p) * f
			cos[p*half+i] = float32(math.Cos(angle))
			sin[p*half+i] = float32(math.Sin(angle))
		}
	}

	r := &RoPE{
		dims:        cfg.Dims,
		maxSeqLen:   cfg.MaxSeqLen,
		base:        cfg.Base,
		traditional: cfg.Traditional,
		dtype:       cfg.DType,
		cos:         cos,
		sin:         sin,
	}
	tensor.Round(r.tableTensor(r.cos), r.dtype)
	tensor.Round(r.tableTensor(r.sin), r.dtype)

	slog.Debug("rope tables", "dims", cfg.Dims, "max_seq_len", cfg.MaxSeqLen,
		"base", cfg.Base, "traditional", cfg.Traditional, "dtype", cfg.DType)
	return r, nil
}

// Dims returns the rotated dimension per head.
func (r *RoPE) Dims() int { return r.dims }

// MaxSeqLen returns the number of positions covered by the tables.
func (r *RoPE) MaxSeqLen() int { return r.maxSeqLen }

// Traditional reports whether the interleaved pair layout is used.
func (r *RoPE) Traditional() bool { return r.traditional }

// Cos returns a copy of the cosine table, shape (max_seq_len, dims/2).
func (r *RoPE) Cos() *tensor.Tensor { return r.tableTensor(r.cos).Clone() }

// Sin returns a copy of the sine table, shape (max_seq_len, dims/2).
func (r *RoPE) Sin() *tensor.Tensor { return r.tableTensor(r.sin).Clone() }

func (r *RoPE) tableTensor(data []float32) *tensor.Tensor {
	return &tensor.Tensor{
		Data:    data,
		Shape:   []int{r.maxSeqLen, r.dims / 2},
		Strides: []int{r.dims / 2, 1},
	}
}

// Span selects table positions Start, Start+Step, ... below Stop.
type Span struct {
	Start, Stop, Step int
}

// At selects the single position p.
func At(p int) Span { return Span{Start: p, Stop: p + 1, Step: 1} }

// Range selects the positions [start, stop).
func Range(start, stop int) Span { return Span{Start: start, Stop: stop, Step: 1} }

// StridedRange selects every step-th position in [start, stop).
func StridedRange(start, stop, step int) Span {
	return Span{Start: start, Stop: stop, Step: step}
}

// Len returns the number of positions in the span.
func (s Span) Len() int {
	if s.Step <= 0 || s.Stop <= s.Start {
		return 0
	}
	return (s.Stop - s.Start + s.Step - 1) / s.Step
}

func (s Span) String() string {
	if s.Step == 1 {
		return fmt.Sprintf("[%d:%d]", s.Start, s.Stop)
	}
	return fmt.Sprintf("[%d:%d:%d]", s.Start, s.Stop, s.Step)
}

// positions resolves a span against a sequence of length seqLen. A span of
// one position is repeated for every token.
func (r *RoPE) positions(s Span, seqLen int) ([]int, error) {
	if s.Step <= 0 {
		return nil, tensor.NewShapeError("RoPE", "offset %v must have a positive step", s)
	}
	n := s.Len()
	if n != seqLen && n != 1 {
		return nil, tensor.NewShapeError("RoPE", "offset %v selects %d positions for sequence length %d",
			s, n, seqLen)
	}

	pos := make([]int, seqLen)
	for l := range pos {
		p := s.Start
		if n > 1 {
			p += l * s.Step
		}
		if p < 0 || p >= r.maxSeqLen {
			return nil, &tensor.IndexError{Op: "RoPE", Index: p, Len: r.maxSeqLen}
		}
		pos[l] = p
	}
	return pos, nil
}

// Apply rotates x by the table entries selected by offsets.
//
// x has shape (batch, seq_len, num_heads, dims). offsets may be:
//   - empty: positions [0, seq_len) for every batch row
//   - one span: shared by every batch row
//   - batch spans: one per batch row, for batched decoding where rows sit
//     at different positions
//
// Each span must select seq_len positions, or a single position that is used
// for every token. Returns a *tensor.IndexError if a position falls outside
// the tables and a *tensor.ShapeError for any shape mismatch. The result has
// the shape of x; x is not modified.
func (r *RoPE) Apply(x *tensor.Tensor, offsets ...Span) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, tensor.NewShapeError("RoPE", "expected 4D tensor (batch, seq, heads, dims), got shape %v", x.Shape)
	}
	batchSize, seqLen, numHeads, dims := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if dims != r.dims {
		return nil, tensor.NewShapeError("RoPE", "dims mismatch: tensor has %d, tables have %d", dims, r.dims)
	}

	// positions[b][l] is the table row for token l of batch row b.
	positions := make([][]int, batchSize)
	switch len(offsets) {
	case 0, 1:
		span := Range(0, seqLen)
		if len(offsets) == 1 {
			span = offsets[0]
		}
		shared, err := r.positions(span, seqLen)
		if err != nil {
			return nil, err
		}
		for b := range positions {
			positions[b] = shared
		}
	case batchSize:
		for b, span := range offsets {
			pos, err := r.positions(span, seqLen)
			if err != nil {
				return nil, fmt.Errorf("batch %d: %w", b, err)
			}
			positions[b] = pos
		}
	default:
		return nil, tensor.NewShapeError("RoPE", "got %d offsets for batch size %d", len(offsets), batchSize)
	}

	if logutil.TraceEnabled() {
		logutil.Trace("rope", "shape", x.Shape, "offsets", offsets, "traditional", r.traditional)
	}

	out := tensor.NewTensor(x.Shape)
	half := dims / 2
	tokens := batchSize * seqLen
	err := tensor.ParallelFor(tokens, 64, func(start, end int) error {
		for t := start; t < end; t++ {
			p := positions[t/seqLen][t%seqLen]
			cos := r.cos[p*half : (p+1)*half]
			sin := r.sin[p*half : (p+1)*half]
			for h := 0; h < numHeads; h++ {
				base := (t*numHeads + h) * dims
				src := x.Data[base : base+dims]
				dst := out.Data[base : base+dims]
				if r.traditional {
					rotateInterleaved(dst, src, cos, sin)
				} else {
					rotateHalves(dst, src, cos, sin)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tensor.Round(out, r.dtype), nil
}

// rotateInterleaved rotates the pairs (x[2i], x[2i+1]).
func rotateInterleaved(dst, src, cos, sin []float32) {
	for i := range cos {
		x0, x1 := src[2*i], src[2*i+1]
		dst[2*i] = cos[i]*x0 - sin[i]*x1
		dst[2*i+1] = sin[i]*x0 + cos[i]*x1
	}
}

// rotateHalves rotates the pairs (x[i], x[i+dims/2]).
func rotateHalves(dst, src, cos, sin []float32) {
	half := len(cos)
	for i := range cos {
		x1, x2 := src[i], src[i+half]
		dst[i] = cos[i]*x1 - sin[i]*x2
		dst[i+half] = cos[i]*x2 + sin[i]*x1
	}
}
