package tensor

import (
	"fmt"
	"log/slog"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"tinyllm/envconfig"
)

// DType selects the floating point precision results are stored at.
// Arithmetic always runs in float32; values are rounded to the target
// precision after each operation that produces them.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ParseDType parses a precision name. The empty string selects Float32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unknown dtype %q", s)
	}
}

// DefaultDType returns the precision configured by TINYLLM_PRECISION,
// falling back to Float32 when it is unset or invalid.
func DefaultDType() DType {
	d, err := ParseDType(envconfig.Precision())
	if err != nil {
		slog.Warn("invalid precision, using f32", "error", err)
		return Float32
	}
	return d
}

// round rounds s in place to the precision of d.
func (d DType) round(s []float32) {
	switch d {
	case Float16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		copy(s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s)))
	}
}

// AsType returns a copy of t with every value rounded to precision d.
func (t *Tensor) AsType(d DType) *Tensor {
	c := t.Clone()
	d.round(c.Data)
	return c
}

// Round rounds a freshly produced tensor to precision d without copying. It
// is meant for results the caller owns exclusively; inputs must go through
// AsType instead.
func Round(t *Tensor, d DType) *Tensor {
	d.round(t.Data)
	return t
}
