package tensor

import "math"

// SiLU applies the sigmoid linear unit, x * sigmoid(x), element-wise.
//
// The sigmoid is evaluated as 1/(1+e^-x) for x >= 0 and e^x/(1+e^x) otherwise
// so neither branch exponentiates a large positive number.
func (t *Tensor) SiLU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		result.Data[i] = float32(float64(x) * sigmoid(float64(x)))
	}
	return result
}

// SiLU is a standalone function that applies SiLU to a tensor.
func SiLU(t *Tensor) *Tensor {
	return t.SiLU()
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
