package simd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}

	VecAdd(dst, src)

	assert.Equal(t, []float32{11, 22, 33, 44, 55}, dst)
}

func TestVecSub(t *testing.T) {
	dst := []float32{10, 20, 30, 40, 50}
	src := []float32{1, 2, 3, 4, 5}

	VecSub(dst, src)

	assert.Equal(t, []float32{9, 18, 27, 36, 45}, dst)
}

func TestVecMul(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{2, 2, 2, 0.5, -1}

	VecMul(dst, src)

	assert.Equal(t, []float32{2, 4, 6, 2, -5}, dst)
}

func TestVecMax(t *testing.T) {
	dst := []float32{1, 5, -3}
	VecMax(dst, []float32{2, 4, -4})
	assert.Equal(t, []float32{2, 5, -3}, dst)
}

func TestSquaredL2(t *testing.T) {
	// (1-4)^2 + (2-6)^2 + 0 = 25
	assert.Equal(t, float32(25), SquaredL2([]float32{1, 2, 3}, []float32{4, 6, 3}))
}

func TestReLU(t *testing.T) {
	data := []float32{-1, 0, 2, -0.5}
	ReLU(data)
	assert.Equal(t, []float32{0, 0, 2, 0}, data)
}

func TestReLUGrad(t *testing.T) {
	grad := []float32{1, 2, 3, 4}
	ReLUGrad(grad, []float32{0, 0.5, -1, 2})
	assert.Equal(t, []float32{0, 2, 0, 4}, grad)
}
