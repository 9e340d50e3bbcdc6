package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustTensor builds a tensor from literal data, failing the test on error.
func mustTensor(t *testing.T, data []float64, shape ...int) *Tensor {
	t.Helper()
	x, err := NewTensorFrom(data, shape...)
	require.NoError(t, err)
	return x
}

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	assert.Equal(t, []int{2, 3}, tensor.Shape())
	assert.Equal(t, 2, tensor.Dims())
	assert.Equal(t, 6, tensor.Size())

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)

	assert.Equal(t, 1.5, tensor.At(0, 0))
	assert.Equal(t, 2.5, tensor.At(1, 2))
	assert.Equal(t, 2.5, tensor.Data()[5])

	// Shape returns a copy
	s := tensor.Shape()
	s[0] = 99
	assert.Equal(t, []int{2, 3}, tensor.Shape())
}

func TestNewTensorPanicsOnInvalidShape(t *testing.T) {
	assert.Panics(t, func() { NewTensor() })
	assert.Panics(t, func() { NewTensor(2, 0) })
	assert.Panics(t, func() { NewTensor(-1) })
}

func TestNewTensorFrom(t *testing.T) {
	data := []float64{1, 2, 3, 4}
	x := mustTensor(t, data, 2, 2)

	// Input slice is copied
	data[0] = 100
	assert.Equal(t, 1.0, x.At(0, 0))

	_, err := NewTensorFrom([]float64{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewTensorFrom(nil, 0, 2)
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestReshape(t *testing.T) {
	x := NewTensor(1, 4, 2, 2)
	for i := range x.data {
		x.data[i] = float64(i)
	}

	t.Run("inferred", func(t *testing.T) {
		y, err := x.Reshape(-1, 2, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2, 2, 2}, y.Shape())

		// Views share storage
		y.Set(42, 1, 0, 0, 0)
		assert.Equal(t, 42.0, x.At(0, 2, 0, 0))
	})

	t.Run("explicit", func(t *testing.T) {
		y, err := x.Reshape(16)
		require.NoError(t, err)
		assert.Equal(t, []int{16}, y.Shape())
	})

	tests := []struct {
		name  string
		shape []int
		err   error
	}{
		{"size mismatch", []int{3, 5}, ErrShapeMismatch},
		{"not divisible", []int{-1, 3}, ErrShapeMismatch},
		{"two inferred", []int{-1, -1}, ErrInvalidShape},
		{"zero dim", []int{0, 16}, ErrInvalidShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Reshape(tt.shape...)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestFlip(t *testing.T) {
	x := mustTensor(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 1, 2)

	y, err := Flip(x, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 1, 2, 7, 8, 5, 6}, y.Data())

	y, err = Flip(x, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1, 4, 3, 6, 5, 8, 7}, y.Data())

	// Flip is its own inverse
	z, err := Flip(y, 3)
	require.NoError(t, err)
	assert.Equal(t, x.Data(), z.Data())

	_, err = Flip(x, 4)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestRepeat(t *testing.T) {
	t.Run("channel axis", func(t *testing.T) {
		x := mustTensor(t, []float64{1, 2}, 1, 2, 1, 1)
		y, err := Repeat(x, 1, 3, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 6, 1, 1}, y.Shape())
		assert.Equal(t, []float64{1, 2, 1, 2, 1, 2}, y.Data())
	})

	t.Run("tile 2d", func(t *testing.T) {
		x := mustTensor(t, []float64{1, 2}, 2, 1)
		y, err := Repeat(x, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 2}, y.Shape())
		assert.Equal(t, []float64{1, 1, 2, 2, 1, 1, 2, 2}, y.Data())
	})

	t.Run("errors", func(t *testing.T) {
		x := NewTensor(2, 2)
		_, err := Repeat(x, 2)
		require.ErrorIs(t, err, ErrShapeMismatch)
		_, err = Repeat(x, 1, 0)
		require.ErrorIs(t, err, ErrInvalidShape)
	})
}

func TestElementwise(t *testing.T) {
	a := mustTensor(t, []float64{1, -2, 3}, 3)
	b := mustTensor(t, []float64{4, 5, -6}, 3)

	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 3, -3}, sum.Data())

	diff, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{-3, -7, 9}, diff.Data())

	prod, err := Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, -10, -18}, prod.Data())

	assert.Equal(t, []float64{2, -4, 6}, Scale(a, 2).Data())
	assert.Equal(t, []float64{1, 2, 3}, Abs(a).Data())

	_, err = Sub(a, NewTensor(2))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestGreaterThanIsStrict(t *testing.T) {
	x := mustTensor(t, []float64{1, 1.5, 0.5, math.NaN(), math.Inf(1)}, 5)
	assert.Equal(t, []float64{0, 1, 0, 0, 1}, GreaterThan(x, 1).Data())
}

func TestReductions(t *testing.T) {
	x := mustTensor(t, []float64{1, 2, 3, 5}, 2, 2)

	means, err := MeanOverTrailing(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, means.Shape())
	assert.Equal(t, []float64{1.5, 4}, means.Data())
	assert.Equal(t, 11.0, Sum(x))

	_, err = MeanOverTrailing(NewTensor(3))
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestCloneIsDeep(t *testing.T) {
	x := mustTensor(t, []float64{1, 2}, 2)
	y := x.Clone()
	y.Set(9, 0)
	assert.Equal(t, 1.0, x.At(0))
}
