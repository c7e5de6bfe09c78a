package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// Leading batch dimensions broadcast against each other, so a (n, p) weight
// multiplies every matrix of a (batch, m, n) input.
func Matmul(a, b *Tensor) (*Tensor, error) {
	return batchedGemm("Matmul", a, b, false)
}

// MatmulT multiplies a by the transpose of b over the last two dimensions.
// For tensors of shape (..., m, k) and (..., n, k), returns (..., m, n).
// b is never materialised transposed; the BLAS kernel reads it in place.
func MatmulT(a, b *Tensor) (*Tensor, error) {
	return batchedGemm("MatmulT", a, b, true)
}

func batchedGemm(op string, a, b *Tensor, transB bool) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, NewShapeError(op, "requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	ra, rb := len(a.Shape), len(b.Shape)
	m, k := a.Shape[ra-2], a.Shape[ra-1]
	kb, n := b.Shape[rb-2], b.Shape[rb-1]
	if transB {
		n, kb = kb, n
	}
	if k != kb {
		return nil, NewShapeError(op, "incompatible shapes %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, k, kb)
	}

	aBatch, bBatch := a.Shape[:ra-2], b.Shape[:rb-2]
	outBatch, err := BroadcastShapes(aBatch, bBatch)
	if err != nil {
		return nil, NewShapeError(op, "batch dimensions of %v and %v do not broadcast", a.Shape, b.Shape)
	}

	resultShape := append(copyShape(outBatch), m, n)
	result := NewTensor(resultShape)
	if m == 0 || n == 0 || k == 0 {
		return result, nil
	}

	// Matrix offsets of each output batch entry into a and b.
	numBatches := shapeSize(outBatch)
	aOffsets := make([]int, 0, numBatches)
	bOffsets := make([]int, 0, numBatches)
	if len(outBatch) == 0 {
		aOffsets = append(aOffsets, 0)
		bOffsets = append(bOffsets, 0)
	} else {
		sa := broadcastStrides(aBatch, outBatch)
		sb := broadcastStrides(bBatch, outBatch)
		forEachBroadcast(outBatch, sa, sb, func(_, ia, ib int) {
			aOffsets = append(aOffsets, ia*m*k)
			bOffsets = append(bOffsets, ib*k*n)
		})
	}

	tB := blas.NoTrans
	bRows, bCols := k, n
	if transB {
		tB = blas.Trans
		bRows, bCols = n, k
	}

	err = ParallelFor(numBatches, 1, func(start, end int) error {
		for batch := start; batch < end; batch++ {
			aOff, bOff, cOff := aOffsets[batch], bOffsets[batch], batch*m*n
			blas32.Gemm(blas.NoTrans, tB, 1,
				blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data[aOff : aOff+m*k]},
				blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b.Data[bOff : bOff+k*n]},
				0,
				blas32.General{Rows: m, Cols: n, Stride: n, Data: result.Data[cOff : cOff+m*n]},
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
