package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// Deformable alignment:
// - Chan, Wang, Yu, Dong, Loy, "Understanding Deformable Alignment in
//   Video Super-Resolution" (AAAI 2021). Eq. (5) defines the offset-fidelity
//   loss computed in loss.go.
// - Dai et al., "Deformable Convolutional Networks" (ICCV 2017)
//   Explains the interleaved (row, col) offset layout.
//
// Implementation:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")

	// ErrInvalidIndex indicates an out-of-bounds index or axis.
	ErrInvalidIndex = errors.New("tensor: invalid index")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [batch, channels, height, width, etc.]
	grad  []float64 // Gradient for backpropagation
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shapes passed here come from code, not data. Shapes read from files go
// through NewTensorFrom, which returns an error instead.
func NewTensor(shape ...int) *Tensor {
	size, err := shapeSize(shape)
	if err != nil {
		panic(err.Error())
	}

	return &Tensor{
		data:  make([]float64, size),
		shape: cloneShape(shape),
		grad:  make([]float64, size),
	}
}

// NewTensorFrom wraps a copy of data in a tensor of the given shape.
func NewTensorFrom(data []float64, shape ...int) (*Tensor, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if size != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v (size %d)", ErrShapeMismatch, len(data), shape, size)
	}

	t := &Tensor{
		data:  make([]float64, size),
		shape: cloneShape(shape),
		grad:  make([]float64, size),
	}
	copy(t.data, data)
	return t, nil
}

// NewTensorRand creates a tensor with values from a normal distribution
// with standard deviation 0.02, using the global random source.
func NewTensorRand(shape ...int) *Tensor {
	return NewTensorRandWithSource(rand.New(rand.NewSource(rand.Int63())), 0.02, shape...)
}

// NewTensorRandWithSource creates a tensor of N(0, std²) samples drawn from rng.
// Uses the Box-Muller transform, producing two samples per pair of uniforms.
func NewTensorRandWithSource(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		if u1 == 0 {
			u1 = math.SmallestNonzeroFloat64
		}
		mag := std * math.Sqrt(-2*math.Log(u1))

		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// Shape returns a copy of the tensor's shape.
// The returned slice can be safely modified without affecting the tensor.
func (t *Tensor) Shape() []int {
	return cloneShape(t.shape)
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the underlying row-major storage. Writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the gradient buffer, same layout as Data.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1

	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer. Call before a backward pass.
func (t *Tensor) ZeroGrad() {
	clear(t.grad)
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a view of the tensor with a different shape.
// At most one dimension may be -1, in which case it is inferred.
// The total number of elements must remain the same.
// The returned tensor shares data and gradient with t.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := cloneShape(newShape)

	infer := -1
	known := 1
	for i, dim := range shape {
		switch {
		case dim == -1 && infer < 0:
			infer = i
		case dim <= 0:
			return nil, fmt.Errorf("%w: cannot reshape to %v", ErrInvalidShape, newShape)
		default:
			known *= dim
		}
	}

	if infer >= 0 {
		if len(t.data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape size %d to %v", ErrShapeMismatch, len(t.data), newShape)
		}
		shape[infer] = len(t.data) / known
		known = len(t.data)
	}

	if known != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape size %d to %v (size %d)", ErrShapeMismatch, len(t.data), newShape, known)
	}

	return &Tensor{
		data:  t.data,
		shape: shape,
		grad:  t.grad,
	}, nil
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// SHAPE OPERATIONS
// ===========================================================================

// Flip reverses the order of elements along axis. The result is a new tensor.
func Flip(x *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(x.shape) {
		return nil, fmt.Errorf("%w: flip axis %d for rank %d", ErrInvalidIndex, axis, len(x.shape))
	}

	out := NewTensor(x.shape...)

	// View the tensor as (outer, dim, inner) around the flipped axis.
	outer := 1
	for _, d := range x.shape[:axis] {
		outer *= d
	}
	dim := x.shape[axis]
	inner := 1
	for _, d := range x.shape[axis+1:] {
		inner *= d
	}

	for o := 0; o < outer; o++ {
		for k := 0; k < dim; k++ {
			src := (o*dim + k) * inner
			dst := (o*dim + dim - 1 - k) * inner
			copy(out.data[dst:dst+inner], x.data[src:src+inner])
		}
	}

	return out, nil
}

// Repeat tiles x reps[i] times along each axis i, like torch.Tensor.repeat.
// len(reps) must equal the rank of x.
func Repeat(x *Tensor, reps ...int) (*Tensor, error) {
	if len(reps) != len(x.shape) {
		return nil, fmt.Errorf("%w: %d repeats for rank %d", ErrShapeMismatch, len(reps), len(x.shape))
	}

	outShape := make([]int, len(x.shape))
	for i, r := range reps {
		if r <= 0 {
			return nil, fmt.Errorf("%w: repeat[%d]=%d must be positive", ErrInvalidShape, i, r)
		}
		outShape[i] = x.shape[i] * r
	}

	out := NewTensor(outShape...)
	src := make([]int, len(outShape))
	dst := make([]int, len(outShape))

	for i := range out.data {
		// Decompose i in the output shape and wrap each coordinate into x.
		rem := i
		for axis := len(outShape) - 1; axis >= 0; axis-- {
			dst[axis] = rem % outShape[axis]
			rem /= outShape[axis]
			src[axis] = dst[axis] % x.shape[axis]
		}
		out.data[i] = x.data[x.flatIndex(src)]
	}

	return out, nil
}

// ===========================================================================
// ELEMENT-WISE OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	return zipWith(a, b, "add", func(x, y float64) float64 { return x + y })
}

// Sub performs element-wise subtraction: out = a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	return zipWith(a, b, "subtract", func(x, y float64) float64 { return x - y })
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
func Mul(a, b *Tensor) (*Tensor, error) {
	return zipWith(a, b, "multiply", func(x, y float64) float64 { return x * y })
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// Abs returns |x| element-wise.
func Abs(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Abs(v)
	}
	return out
}

// GreaterThan returns a 0/1 mask with 1 where x > threshold (strictly).
// NaN compares false and therefore masks to 0.
func GreaterThan(x *Tensor, threshold float64) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > threshold {
			out.data[i] = 1
		}
	}
	return out
}

func zipWith(a, b *Tensor, op string, fn func(x, y float64) float64) (*Tensor, error) {
	if !shapeEqual(a.shape, b.shape) {
		return nil, fmt.Errorf("%w: cannot %s shapes %v and %v", ErrShapeMismatch, op, a.shape, b.shape)
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = fn(a.data[i], b.data[i])
	}
	return out, nil
}

// ===========================================================================
// REDUCTIONS
// ===========================================================================

// MeanOverTrailing averages over every axis except the first.
// A (g, d1, d2, ...) tensor produces a (g) tensor.
func MeanOverTrailing(x *Tensor) (*Tensor, error) {
	if len(x.shape) < 2 {
		return nil, fmt.Errorf("%w: mean over trailing axes needs rank >= 2, got %v", ErrInvalidShape, x.shape)
	}

	groups := x.shape[0]
	per := len(x.data) / groups
	out := NewTensor(groups)

	for g := 0; g < groups; g++ {
		sum := 0.0
		for _, v := range x.data[g*per : (g+1)*per] {
			sum += v
		}
		out.data[g] = sum / float64(per)
	}

	return out, nil
}

// Sum adds every element of x.
func Sum(x *Tensor) float64 {
	sum := 0.0
	for _, v := range x.data {
		sum += v
	}
	return sum
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: shape cannot be empty", ErrInvalidShape)
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			return 0, fmt.Errorf("%w: shape[%d] must be positive, got %d", ErrInvalidShape, i, dim)
		}
		if size > math.MaxInt/dim {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrInvalidShape, shape)
		}
		size *= dim
	}
	return size, nil
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
