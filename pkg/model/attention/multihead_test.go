package attention

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tinyllm/pkg/tensor"
)

// newTestMHA builds a multi-head layer with deterministic weights.
func newTestMHA(t *testing.T, hidden, heads int) *MultiHeadAttention {
	t.Helper()
	m, err := NewMultiHeadAttention(hidden, heads,
		tensor.Scale(fill([]int{hidden, hidden}, 1), 0.3),
		tensor.Scale(fill([]int{hidden, hidden}, 2), 0.3),
		tensor.Scale(fill([]int{hidden, hidden}, 3), 0.3),
		tensor.Scale(fill([]int{hidden, hidden}, 4), 0.3),
	)
	require.NoError(t, err)
	return m
}

// TestMultiHeadAttention_Shape tests that the output shape equals the input
// embedding shape.
func TestMultiHeadAttention_Shape(t *testing.T) {
	cases := []struct {
		batch, seq, hidden, heads int
	}{
		{1, 1, 4, 1},
		{2, 8, 64, 4},
		{3, 5, 12, 3},
		{1, 7, 16, 16},
	}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("N=%d,L=%d,E=%d,H=%d", tt.batch, tt.seq, tt.hidden, tt.heads), func(t *testing.T) {
			m := newTestMHA(t, tt.hidden, tt.heads)
			assert.Equal(t, tt.hidden/tt.heads, m.HeadDim)

			x := fill([]int{tt.batch, tt.seq, tt.hidden}, 5)
			out, err := m.Forward(x, x, x, nil)
			require.NoError(t, err)
			assert.Equal(t, x.Shape, out.Shape)
		})
	}
}

// TestMultiHeadAttention_IdentityWeights tests that a single head with
// identity projections reduces to ScaledDotProduct on the raw inputs.
func TestMultiHeadAttention_IdentityWeights(t *testing.T) {
	const e = 4
	eye := tensor.NewTensor([]int{e, e})
	for i := 0; i < e; i++ {
		eye.Set(1, i, i)
	}

	m, err := NewMultiHeadAttention(e, 1, eye, eye, eye, eye)
	require.NoError(t, err)

	q := fill([]int{2, 3, e}, 1)
	kv := fill([]int{2, 5, e}, 2)
	got, err := m.Forward(q, kv, kv, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, e}, got.Shape)

	want, err := ScaledDotProduct(q, kv, kv)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-6)
}

// TestMultiHeadAttention_Causal tests that with a causal mask the output at
// position i depends only on positions <= i.
func TestMultiHeadAttention_Causal(t *testing.T) {
	m := newTestMHA(t, 16, 4)
	x := fill([]int{1, 6, 16}, 3)

	out, err := m.ForwardMask(x, x, x, Causal())
	require.NoError(t, err)

	for later := 1; later < 6; later++ {
		perturbed := x.Clone()
		for e := 0; e < 16; e++ {
			perturbed.Set(perturbed.Get(0, later, e)*-2+1, 0, later, e)
		}

		out2, err := m.ForwardMask(perturbed, perturbed, perturbed, Causal())
		require.NoError(t, err)

		for i := 0; i < later; i++ {
			for e := 0; e < 16; e++ {
				require.InDelta(t, out.Get(0, i, e), out2.Get(0, i, e), 1e-6,
					"position %d changed after perturbing %d", i, later)
			}
		}
	}

	// Without the mask earlier positions do see later ones.
	unmasked, err := m.Forward(x, x, x, nil)
	require.NoError(t, err)
	assert.NotEqual(t, out.Get(0, 0, 0), unmasked.Get(0, 0, 0))
}

func TestMultiHeadAttention_ForwardMask(t *testing.T) {
	m := newTestMHA(t, 8, 2)
	q := fill([]int{2, 3, 8}, 1)
	kv := fill([]int{2, 5, 8}, 2)

	want, err := m.Forward(q, kv, kv, CausalMask(3, 5))
	require.NoError(t, err)
	got, err := m.ForwardMask(q, kv, kv, Causal())
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)

	want, err = m.Forward(q, kv, kv, nil)
	require.NoError(t, err)
	got, err = m.ForwardMask(q, kv, kv, NoMask())
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

// TestMultiHeadAttention_Concurrent tests that one layer serves concurrent
// forward passes with identical results.
func TestMultiHeadAttention_Concurrent(t *testing.T) {
	m := newTestMHA(t, 16, 4)
	x := fill([]int{2, 6, 16}, 4)
	mask := CausalMask(6, 6)

	want, err := m.Forward(x, x, x, mask)
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]*tensor.Tensor, 8)
	for i := range results {
		g.Go(func() error {
			out, err := m.Forward(x, x, x, mask)
			results[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, r := range results {
		assert.Equal(t, want.Data, r.Data)
	}
}

func TestNewMultiHeadAttention_Errors(t *testing.T) {
	sq := func(n int) *tensor.Tensor { return tensor.NewTensor([]int{n, n}) }

	cases := []struct {
		name           string
		hidden, heads  int
		wq, wk, wv, wo *tensor.Tensor
	}{
		{"hidden not divisible", 10, 4, sq(10), sq(10), sq(10), sq(10)},
		{"zero heads", 8, 0, sq(8), sq(8), sq(8), sq(8)},
		{"wrong query weight", 8, 2, sq(6), sq(8), sq(8), sq(8)},
		{"transposed output weight", 8, 2, sq(8), sq(8), sq(8), tensor.NewTensor([]int{8, 4})},
		{"1D weight", 8, 2, sq(8), tensor.NewTensor([]int{64}), sq(8), sq(8)},
		{"missing weight", 8, 2, sq(8), sq(8), nil, sq(8)},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMultiHeadAttention(tt.hidden, tt.heads, tt.wq, tt.wk, tt.wv, tt.wo)
			var shapeErr *tensor.ShapeError
			require.True(t, errors.As(err, &shapeErr), "expected *ShapeError, got %v", err)
		})
	}
}

func TestMultiHeadAttention_ForwardErrors(t *testing.T) {
	m := newTestMHA(t, 8, 2)

	cases := []struct {
		name    string
		q, k, v *tensor.Tensor
	}{
		{"wrong hidden size", tensor.NewTensor([]int{1, 3, 6}), tensor.NewTensor([]int{1, 3, 8}), tensor.NewTensor([]int{1, 3, 8})},
		{"2D input", tensor.NewTensor([]int{3, 8}), tensor.NewTensor([]int{3, 8}), tensor.NewTensor([]int{3, 8})},
		{"key value length mismatch", tensor.NewTensor([]int{1, 3, 8}), tensor.NewTensor([]int{1, 4, 8}), tensor.NewTensor([]int{1, 5, 8})},
		{"batch mismatch", tensor.NewTensor([]int{2, 3, 8}), tensor.NewTensor([]int{1, 3, 8}), tensor.NewTensor([]int{1, 3, 8})},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Forward(tt.q, tt.k, tt.v, nil)
			var shapeErr *tensor.ShapeError
			require.True(t, errors.As(err, &shapeErr), "expected *ShapeError, got %v", err)
		})
	}
}

func BenchmarkMultiHeadAttention_Forward(b *testing.B) {
	m, err := NewMultiHeadAttention(256, 8,
		fill([]int{256, 256}, 1), fill([]int{256, 256}, 2),
		fill([]int{256, 256}, 3), fill([]int{256, 256}, 4))
	if err != nil {
		b.Fatal(err)
	}
	x := fill([]int{2, 64, 256}, 5)
	mask := CausalMask(64, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Forward(x, x, x, mask); err != nil {
			b.Fatal(err)
		}
	}
}
