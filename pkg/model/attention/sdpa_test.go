package attention

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinyllm/pkg/tensor"
)

// fill returns a tensor of the given shape with deterministic values in
// roughly [-1, 1]. Different seeds give unrelated values.
func fill(shape []int, seed float64) *tensor.Tensor {
	t := tensor.NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = float32(math.Sin(float64(i)*0.731 + seed*1.37))
	}
	return t
}

// matrix copies the trailing (rows, cols) matrix at the given leading index
// of x into its own 2D tensor.
func matrix(x *tensor.Tensor, index ...int) *tensor.Tensor {
	rank := len(x.Shape)
	rows, cols := x.Shape[rank-2], x.Shape[rank-1]
	offset := 0
	for i, idx := range index {
		offset += idx * x.Strides[i]
	}
	return tensor.MustFromSlice(x.Data[offset:offset+rows*cols], []int{rows, cols})
}

// naiveAttention is a direct float64 rendition of softmax(q·kᵀ·scale + mask)·v
// for 2D operands.
func naiveAttention(q, k, v, mask *tensor.Tensor, scale float64) []float32 {
	l, d := q.Shape[0], q.Shape[1]
	s, dv := k.Shape[0], v.Shape[1]
	out := make([]float32, l*dv)
	for i := 0; i < l; i++ {
		scores := make([]float64, s)
		maxScore := math.Inf(-1)
		for j := 0; j < s; j++ {
			var dot float64
			for x := 0; x < d; x++ {
				dot += float64(q.Get(i, x)) * float64(k.Get(j, x))
			}
			scores[j] = dot * scale
			if mask != nil {
				scores[j] += float64(mask.Get(i, j))
			}
			maxScore = math.Max(maxScore, scores[j])
		}
		var sum float64
		for j := range scores {
			scores[j] = math.Exp(scores[j] - maxScore)
			sum += scores[j]
		}
		for x := 0; x < dv; x++ {
			var acc float64
			for j := range scores {
				acc += scores[j] / sum * float64(v.Get(j, x))
			}
			out[i*dv+x] = float32(acc)
		}
	}
	return out
}

func TestScaledDotProduct_ConcreteScenario(t *testing.T) {
	x := tensor.MustFromSlice([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
	}, []int{1, 1, 2, 4})

	got, err := ScaledDotProduct(x, x, x, WithScale(1), WithDType(tensor.Float32))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 4}, got.Shape)

	// scores are [[1, 0], [0, 1]]; each row mixes the two value rows with
	// weights e/(e+1) and 1/(e+1).
	hi := float32(math.E / (math.E + 1))
	lo := float32(1 / (math.E + 1))
	want := []float32{
		hi, lo, 0, 0,
		lo, hi, 0, 0,
	}
	if diff := cmp.Diff(want, got.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("ScaledDotProduct() mismatch (-want +got):\n%s", diff)
	}
}

func TestScaledDotProduct_MatchesNaive(t *testing.T) {
	q := fill([]int{2, 3, 4, 8}, 1)
	k := fill([]int{2, 3, 6, 8}, 2)
	v := fill([]int{2, 3, 6, 5}, 3)
	mask := CausalMask(4, 6)

	cases := map[string][]func(*Options){
		"default":      nil,
		"custom scale": {WithScale(0.25)},
		"causal mask":  {WithMask(mask)},
	}

	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ScaledDotProduct(q, k, v, opts...)
			require.NoError(t, err)
			require.Equal(t, []int{2, 3, 4, 5}, got.Shape)

			o := newOptions(opts)
			for n := 0; n < 2; n++ {
				for h := 0; h < 3; h++ {
					want := naiveAttention(matrix(q, n, h), matrix(k, n, h), matrix(v, n, h), o.Mask, float64(o.scaleFor(8)))
					if diff := cmp.Diff(want, matrix(got, n, h).Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
						t.Errorf("batch %d head %d mismatch (-want +got):\n%s", n, h, diff)
					}
				}
			}
		})
	}
}

func TestScaledDotProduct_DefaultScale(t *testing.T) {
	q := fill([]int{2, 3, 16}, 1)
	k := fill([]int{2, 5, 16}, 2)
	v := fill([]int{2, 5, 16}, 3)

	implicit, err := ScaledDotProduct(q, k, v)
	require.NoError(t, err)
	explicit, err := ScaledDotProduct(q, k, v, WithScale(0.25))
	require.NoError(t, err)

	assert.Equal(t, explicit.Data, implicit.Data)
}

// TestWeights_ZeroScale tests that a scale of zero flattens the scores so
// every visible key gets the same weight.
func TestWeights_ZeroScale(t *testing.T) {
	q := fill([]int{2, 3, 4}, 1)
	k := fill([]int{2, 4, 4}, 2)

	probs, err := Weights(q, k, WithScale(0), WithDType(tensor.Float32))
	require.NoError(t, err)
	for _, p := range probs.Data {
		assert.InDelta(t, 0.25, p, 1e-7)
	}

	// With a causal mask each query spreads its weight over the keys it sees.
	probs, err = Weights(q, k, WithScale(0), WithMask(CausalMask(3, 4)))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			want := float32(0)
			if j <= i+1 {
				want = 1 / float32(i+2)
			}
			assert.InDelta(t, want, probs.Get(0, i, j), 1e-6, "query %d key %d", i, j)
		}
	}
}

func TestWeights_RowsSumToOne(t *testing.T) {
	q := fill([]int{3, 2, 7, 4}, 1)
	k := fill([]int{3, 2, 9, 4}, 2)

	for name, mask := range map[string]*tensor.Tensor{
		"unmasked": nil,
		"causal":   CausalMask(7, 9),
	} {
		t.Run(name, func(t *testing.T) {
			probs, err := Weights(q, k, WithMask(mask))
			require.NoError(t, err)
			require.Equal(t, []int{3, 2, 7, 9}, probs.Shape)

			for row := 0; row < 3*2*7; row++ {
				var sum float64
				for j := 0; j < 9; j++ {
					p := probs.Data[row*9+j]
					require.GreaterOrEqual(t, p, float32(0))
					sum += float64(p)
				}
				assert.InDelta(t, 1, sum, 1e-5, "row %d", row)
			}

			if mask != nil {
				// Query i may see keys up to i+2.
				for i := 0; i < 7; i++ {
					for j := i + 3; j < 9; j++ {
						assert.Zero(t, probs.Get(0, 0, i, j), "query %d key %d", i, j)
					}
				}
			}
		})
	}
}

func TestScaledDotProduct_Broadcast(t *testing.T) {
	// A single key/value batch shared by three query batches.
	q := fill([]int{3, 4, 8}, 1)
	k := fill([]int{1, 6, 8}, 2)
	v := fill([]int{1, 6, 8}, 3)

	got, err := ScaledDotProduct(q, k, v)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 8}, got.Shape)

	for n := 0; n < 3; n++ {
		want, err := ScaledDotProduct(matrix(q, n), matrix(k, 0), matrix(v, 0))
		require.NoError(t, err)
		assert.Equal(t, want.Data, matrix(got, n).Data, "batch %d", n)
	}
}

func TestScaledDotProduct_DoesNotModifyInputs(t *testing.T) {
	q := fill([]int{2, 4, 8}, 1)
	k := fill([]int{2, 4, 8}, 2)
	v := fill([]int{2, 4, 8}, 3)
	mask := CausalMask(4, 4)
	originals := []*tensor.Tensor{q.Clone(), k.Clone(), v.Clone(), mask.Clone()}

	_, err := ScaledDotProduct(q, k, v, WithMask(mask))
	require.NoError(t, err)

	for i, in := range []*tensor.Tensor{q, k, v, mask} {
		assert.True(t, in.Equals(originals[i], 0), "input %d modified", i)
	}
}

func TestScaledDotProduct_Errors(t *testing.T) {
	cases := []struct {
		name    string
		q, k, v *tensor.Tensor
		mask    *tensor.Tensor
	}{
		{
			name: "head dim mismatch",
			q:    tensor.NewTensor([]int{2, 4, 8}),
			k:    tensor.NewTensor([]int{2, 4, 6}),
			v:    tensor.NewTensor([]int{2, 4, 6}),
		},
		{
			name: "key value length mismatch",
			q:    tensor.NewTensor([]int{2, 4, 8}),
			k:    tensor.NewTensor([]int{2, 5, 8}),
			v:    tensor.NewTensor([]int{2, 4, 8}),
		},
		{
			name: "batch mismatch",
			q:    tensor.NewTensor([]int{2, 4, 8}),
			k:    tensor.NewTensor([]int{3, 4, 8}),
			v:    tensor.NewTensor([]int{3, 4, 8}),
		},
		{
			name: "mask does not broadcast",
			q:    tensor.NewTensor([]int{2, 4, 8}),
			k:    tensor.NewTensor([]int{2, 4, 8}),
			v:    tensor.NewTensor([]int{2, 4, 8}),
			mask: tensor.NewTensor([]int{3, 4}),
		},
		{
			name: "mask widens scores",
			q:    tensor.NewTensor([]int{4, 8}),
			k:    tensor.NewTensor([]int{4, 8}),
			v:    tensor.NewTensor([]int{4, 8}),
			mask: tensor.NewTensor([]int{2, 4, 4}),
		},
		{
			name: "1D query",
			q:    tensor.NewTensor([]int{8}),
			k:    tensor.NewTensor([]int{4, 8}),
			v:    tensor.NewTensor([]int{4, 8}),
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ScaledDotProduct(tt.q, tt.k, tt.v, WithMask(tt.mask))
			var shapeErr *tensor.ShapeError
			require.True(t, errors.As(err, &shapeErr), "expected *ShapeError, got %v", err)
		})
	}
}

func BenchmarkScaledDotProduct(b *testing.B) {
	q := fill([]int{1, 8, 128, 64}, 1)
	k := fill([]int{1, 8, 128, 64}, 2)
	v := fill([]int{1, 8, 128, 64}, 3)
	mask := CausalMask(128, 128)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ScaledDotProduct(q, k, v, WithMask(mask)); err != nil {
			b.Fatal(err)
		}
	}
}
