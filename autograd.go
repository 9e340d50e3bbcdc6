package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the backward pass of the offset-fidelity loss.
//
// The loss is only useful because it is differentiated with respect to the
// offsets: a training framework calls Forward, then asks for ∂L/∂offset to
// push the deformable-convolution branch toward the flow. Flow is a constant.
//
// THE CHAIN RULE, STEP BY STEP:
//
// Forward:
//   Δ     = offset − flow'            (flow' = flipped, repeated flow)
//   a     = |Δ|
//   m     = 1[a > t]                  (no gradient: treated as a constant)
//   L_g   = Σ_{i∈g} m_i · a_i / (2hw)
//   L     = λ · Σ_g L_g
//
// Backward, given gradL = ∂E/∂L from whatever consumes the loss:
//   ∂L/∂L_g   = λ
//   ∂L_g/∂a_i = m_i / (2hw)           (MaskedMeanBackward)
//   ∂a_i/∂Δ_i = sign(Δ_i)             (AbsBackward)
//   ∂Δ_i/∂o_i = 1
//
//   ∂E/∂offset_i = gradL · λ · m_i · sign(Δ_i) / (2hw)
//
// The hard mask is deliberate: elements within the threshold contribute
// exactly zero gradient, and the threshold itself is not smoothed.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// OffsetFidelityBackward computes ∂E/∂offset given gradL = ∂E/∂L.
//
// The returned tensor has the offset's (n, c, h, w) shape.
func OffsetFidelityBackward(cache *OffsetFidelityCache, gradL float64) *Tensor {
	gradOffset := NewTensor(cache.offsetShape...)
	scale := gradL * cache.lossWeight / float64(cache.groupSize)

	for i, ms := range cache.maskSign {
		gradOffset.data[i] = scale * ms
	}

	return gradOffset
}

// AbsBackward computes gradient for element-wise absolute value.
//
// Given:
//   - Y = |X|
//   - gradY = ∂L/∂Y
//
// Compute:
//   - gradX = gradY * sign(X)
//
// sign(0) = 0, matching the subgradient most frameworks pick.
func AbsBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		gradX.data[i] = gradY.data[i] * sign(v)
	}
	return gradX
}

// MaskBackward computes gradient for multiplication by a constant mask.
//
// Given:
//   - Y = M ⊙ X  with M held constant
//   - gradY = ∂L/∂Y
//
// Compute:
//   - gradX = M ⊙ gradY
//
// The mask itself receives no gradient.
func MaskBackward(mask, gradY *Tensor) *Tensor {
	gradX := NewTensor(mask.shape...)
	for i, m := range mask.data {
		gradX.data[i] = m * gradY.data[i]
	}
	return gradX
}

// MaskedMeanBackward spreads gradients of per-group means back over the
// group elements.
//
// Given:
//   - Y[g] = mean(X[g, ...])  for X of shape (groups, ...)
//   - gradY = ∂L/∂Y, shape (groups)
//
// Compute:
//   - gradX[g, i] = gradY[g] / count
func MaskedMeanBackward(xShape []int, gradY *Tensor) *Tensor {
	gradX := NewTensor(xShape...)
	groups := xShape[0]
	per := len(gradX.data) / groups

	for g := 0; g < groups; g++ {
		v := gradY.data[g] / float64(per)
		for i := g * per; i < (g+1)*per; i++ {
			gradX.data[i] = v
		}
	}
	return gradX
}

// ScaleBackward computes gradient for scalar multiplication.
//
// Given:
//   - Y = scalar * X
//   - gradY = ∂L/∂Y
//
// Compute:
//   - gradX = ∂L/∂X = scalar * gradY
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// AccumulateGrad adds gradient to a tensor's gradient buffer.
// Used when a tensor receives gradient from more than one loss term.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic(fmt.Sprintf("AccumulateGrad: shape mismatch %v vs %v", t.shape, grad.shape))
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

// ===========================================================================
// NUMERICAL GRADIENT CHECK
// ===========================================================================

// NumericalGradient estimates ∂f/∂x by central differences:
//
//	(f(x + ε·e_i) − f(x − ε·e_i)) / 2ε
//
// x is perturbed in place and restored before returning. The estimate is only
// meaningful away from kinks; for the offset-fidelity loss that means no
// |Δ| within ε of 0 or of the threshold.
func NumericalGradient(f func(*Tensor) (float64, error), x *Tensor, eps float64) (*Tensor, error) {
	grad := NewTensor(x.shape...)

	for i := range x.data {
		orig := x.data[i]

		x.data[i] = orig + eps
		plus, err := f(x)
		if err != nil {
			x.data[i] = orig
			return nil, err
		}

		x.data[i] = orig - eps
		minus, err := f(x)
		x.data[i] = orig
		if err != nil {
			return nil, err
		}

		grad.data[i] = (plus - minus) / (2 * eps)
	}

	return grad, nil
}

// GradCheckResult summarises an analytic vs numerical gradient comparison.
type GradCheckResult struct {
	MaxAbsError float64
	MaxRelError float64
	WorstIndex  int
}

// CompareGradients reports the largest disagreement between two gradients.
func CompareGradients(analytic, numeric *Tensor) (GradCheckResult, error) {
	if !shapeEqual(analytic.shape, numeric.shape) {
		return GradCheckResult{}, fmt.Errorf("%w: gradients %v and %v", ErrShapeMismatch, analytic.shape, numeric.shape)
	}

	var r GradCheckResult
	for i := range analytic.data {
		absErr := math.Abs(analytic.data[i] - numeric.data[i])
		denom := math.Max(math.Abs(analytic.data[i]), math.Abs(numeric.data[i]))
		relErr := 0.0
		if denom > 0 {
			relErr = absErr / denom
		}

		if absErr > r.MaxAbsError {
			r.MaxAbsError = absErr
			r.WorstIndex = i
		}
		r.MaxRelError = math.Max(r.MaxRelError, relErr)
	}
	return r, nil
}
