package attention

import (
	"math"

	"tinyllm/pkg/tensor"
)

// Options configures a scaled dot-product attention call.
type Options struct {
	// Scale is a scaling factor applied to the attention scores. Nil means
	// the default of 1/√d where d is the head dimension.
	Scale *float64

	// Mask is an additive bias broadcastable to the score shape
	// (..., L, S). Entries of -Inf exclude a key position.
	Mask *tensor.Tensor

	// DType is the precision the output is rounded to.
	DType tensor.DType
}

// WithScale sets the factor the scores are multiplied by before the mask is
// added. A scale of 0 is honoured and gives uniform weights.
func WithScale(scale float64) func(*Options) {
	return func(o *Options) {
		o.Scale = &scale
	}
}

// WithMask sets an additive mask. A nil mask leaves every key visible.
func WithMask(mask *tensor.Tensor) func(*Options) {
	return func(o *Options) {
		o.Mask = mask
	}
}

// WithDType sets the precision the result is rounded to. It defaults to
// TINYLLM_PRECISION.
func WithDType(dtype tensor.DType) func(*Options) {
	return func(o *Options) {
		o.DType = dtype
	}
}

func newOptions(opts []func(*Options)) Options {
	o := Options{DType: tensor.DefaultDType()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// withOptions replaces the options being built with o.
func withOptions(o Options) func(*Options) {
	return func(p *Options) {
		*p = o
	}
}

// scaleFor returns the score scale for head dimension d.
func (o Options) scaleFor(d int) float32 {
	if o.Scale != nil {
		return float32(*o.Scale)
	}
	return float32(1 / math.Sqrt(float64(d)))
}
