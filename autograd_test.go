package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetFidelityBackwardSingleOutlier(t *testing.T) {
	flow := NewTensor(1, 2, 1, 1)

	tests := []struct {
		name   string
		offset []float64
		weight float64
		gradL  float64
		want   []float64
	}{
		// ∂/∂o = λ · sign(Δ) / (2hw) for masked elements, 0 otherwise.
		{"positive", []float64{100, 0}, 1, 1, []float64{0.5, 0}},
		{"negative", []float64{-100, 0}, 1, 1, []float64{-0.5, 0}},
		{"weighted", []float64{100, -50}, 3, 1, []float64{1.5, -1.5}},
		{"upstream gradient", []float64{100, 5}, 1, -2, []float64{-1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset := mustTensor(t, tt.offset, 1, 2, 1, 1)
			_, cache, err := NewOffsetFidelityLoss(WithLossWeight(tt.weight)).ForwardWithCache(offset, flow)
			require.NoError(t, err)

			grad := OffsetFidelityBackward(cache, tt.gradL)
			assert.Equal(t, []int{1, 2, 1, 1}, grad.Shape())
			assert.Equal(t, tt.want, grad.Data())
		})
	}
}

func TestOffsetFidelityBackwardMatchesNumerical(t *testing.T) {
	tests := []struct {
		name string
		loss *OffsetFidelityLoss
		spec SyntheticSpec
	}{
		{
			name: "default",
			loss: NewOffsetFidelityLoss(),
			spec: SyntheticSpec{N: 1, C: 4, H: 4, W: 4, FlowStd: 4, NoiseStd: 2, OutlierFrac: 0.3, OutlierMag: 20},
		},
		{
			name: "weighted low threshold",
			loss: NewOffsetFidelityLoss(WithLossWeight(0.25), WithThreshold(1)),
			spec: SyntheticSpec{N: 2, C: 6, H: 3, W: 5, FlowStd: 3, NoiseStd: 2},
		},
		{
			name: "negative weight",
			loss: NewOffsetFidelityLoss(WithLossWeight(-2), WithThreshold(5)),
			spec: SyntheticSpec{N: 2, C: 2, H: 4, W: 3, FlowStd: 4, NoiseStd: 4, OutlierFrac: 0.2, OutlierMag: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := RunGradCheck(tt.loss, GradCheckOptions{
				Spec:      tt.spec,
				Seed:      7,
				Epsilon:   1e-6,
				Tolerance: 1e-5,
			})
			require.NoError(t, err)
			assert.Less(t, result.MaxRelError, 1e-5)
		})
	}
}

func TestOffsetFidelityBackwardZeroWithinThreshold(t *testing.T) {
	offset, flow := randomPair(t, 21, 1, 6, 5, 5)

	l := NewOffsetFidelityLoss()
	_, cache, err := l.ForwardWithCache(offset, flow)
	require.NoError(t, err)
	grad := OffsetFidelityBackward(cache, 1)

	hw := 25
	for ch := 0; ch < 6; ch++ {
		fBase := (1 - ch%2) * hw
		for p := 0; p < hw; p++ {
			i := ch*hw + p
			d := offset.data[i] - flow.data[fBase+p]
			if math.Abs(d) > l.Threshold() {
				assert.Equal(t, sign(d)/float64(2*hw), grad.data[i])
			} else {
				assert.Zero(t, grad.data[i])
			}
		}
	}
}

// TestOffsetFidelityBackwardComposes checks that chaining the primitive
// backward functions through the reference pipeline gives the fused gradient.
func TestOffsetFidelityBackwardComposes(t *testing.T) {
	offset, flow := randomPair(t, 4, 2, 4, 3, 3)
	const weight, threshold = 0.6, 10.0

	_, cache, err := NewOffsetFidelityLoss(WithLossWeight(weight), WithThreshold(threshold)).ForwardWithCache(offset, flow)
	require.NoError(t, err)
	fused := OffsetFidelityBackward(cache, 1)

	// Rebuild the reference intermediates.
	grouped, err := offset.Reshape(-1, 2, 3, 3)
	require.NoError(t, err)
	flipped, err := Flip(flow, 1)
	require.NoError(t, err)
	repeated, err := Repeat(flipped, 1, 2, 1, 1)
	require.NoError(t, err)
	groupedFlow, err := repeated.Reshape(-1, 2, 3, 3)
	require.NoError(t, err)
	diff, err := Sub(grouped, groupedFlow)
	require.NoError(t, err)
	mask := GreaterThan(Abs(diff), threshold)

	groups := grouped.Shape()[0]
	ones := NewTensor(groups)
	for i := range ones.data {
		ones.data[i] = 1
	}
	gradMeans := ScaleBackward(weight, ones)
	gradMasked := MaskedMeanBackward(grouped.Shape(), gradMeans)
	gradAbs := MaskBackward(mask, gradMasked)
	gradDiff := AbsBackward(diff, gradAbs)

	composed, err := gradDiff.Reshape(offset.Shape()...)
	require.NoError(t, err)
	assert.InDeltaSlice(t, fused.Data(), composed.Data(), 1e-15)
}

func TestForwardBackwardAccumulates(t *testing.T) {
	offset := mustTensor(t, []float64{100, 0, 0, -40}, 1, 4, 1, 1)
	flow := NewTensor(1, 2, 1, 1)
	l := NewOffsetFidelityLoss()

	loss, err := l.ForwardBackward(offset, flow)
	require.NoError(t, err)
	assert.Equal(t, 70.0, loss)
	assert.Equal(t, []float64{0.5, 0, 0, -0.5}, offset.Grad())

	_, err = l.ForwardBackward(offset, flow)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 0, -1}, offset.Grad())
	assert.Equal(t, []float64{0, 0}, flow.Grad(), "flow is a constant")

	offset.ZeroGrad()
	assert.Equal(t, []float64{0, 0, 0, 0}, offset.Grad())

	_, err = l.ForwardBackward(offset, NewTensor(1, 2, 2, 1))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestPrimitiveBackwards(t *testing.T) {
	x := mustTensor(t, []float64{-2, 0, 3}, 3)
	gradY := mustTensor(t, []float64{1, 1, 2}, 3)

	assert.Equal(t, []float64{-1, 0, 2}, AbsBackward(x, gradY).Data())

	mask := mustTensor(t, []float64{1, 0, 1}, 3)
	assert.Equal(t, []float64{1, 0, 2}, MaskBackward(mask, gradY).Data())

	assert.Equal(t, []float64{2, 2, 4}, ScaleBackward(2, gradY).Data())

	means := mustTensor(t, []float64{4, 8}, 2)
	assert.Equal(t, []float64{1, 1, 1, 1, 2, 2, 2, 2}, MaskedMeanBackward([]int{2, 2, 2}, means).Data())
}

func TestAccumulateGradPanicsOnShapeMismatch(t *testing.T) {
	x := NewTensor(2, 2)
	assert.Panics(t, func() { x.AccumulateGrad(NewTensor(4)) })
}

func TestNumericalGradientRestoresInput(t *testing.T) {
	x := mustTensor(t, []float64{1, 2, 3}, 3)

	grad, err := NumericalGradient(func(x *Tensor) (float64, error) {
		s := 0.0
		for _, v := range x.Data() {
			s += v * v
		}
		return s, nil
	}, x, 1e-5)
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 2, 3}, x.Data())
	assert.InDeltaSlice(t, []float64{2, 4, 6}, grad.Data(), 1e-6)
}

func TestCompareGradients(t *testing.T) {
	a := mustTensor(t, []float64{1, 0, -2}, 3)
	b := mustTensor(t, []float64{1, 0, -2.5}, 3)

	r, err := CompareGradients(a, b)
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.MaxAbsError)
	assert.Equal(t, 0.2, r.MaxRelError)
	assert.Equal(t, 2, r.WorstIndex)

	_, err = CompareGradients(a, NewTensor(2))
	require.ErrorIs(t, err, ErrShapeMismatch)
}
