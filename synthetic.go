package main

import (
	"fmt"
	"math"
	"math/rand"
)

// SyntheticSpec describes a generated (offset, flow) pair.
//
// The flow is smooth-ish Gaussian motion. Every offset group starts as the
// channel-swapped flow plus small noise, then a fraction of elements is pushed
// far away to imitate the offset blow-ups the loss is meant to catch.
type SyntheticSpec struct {
	N, C, H, W int

	FlowStd     float64 // std of flow displacements, pixels
	NoiseStd    float64 // std of offset noise around the flow
	OutlierFrac float64 // fraction of offset elements turned into outliers
	OutlierMag  float64 // magnitude added to outliers (random sign)
}

// DefaultSyntheticSpec returns a small pair with 5% outliers of magnitude 25.
func DefaultSyntheticSpec() SyntheticSpec {
	return SyntheticSpec{
		N: 2, C: 18, H: 16, W: 16,
		FlowStd:     4,
		NoiseStd:    1,
		OutlierFrac: 0.05,
		OutlierMag:  25,
	}
}

// Validate checks that s describes shapes the loss accepts.
func (s SyntheticSpec) Validate() error {
	if s.N <= 0 || s.C <= 0 || s.H <= 0 || s.W <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got (%d, %d, %d, %d)", ErrInvalidShape, s.N, s.C, s.H, s.W)
	}
	if s.C%2 != 0 {
		return fmt.Errorf("%w: offset channels must be even, got %d", ErrShapeMismatch, s.C)
	}
	if s.OutlierFrac < 0 || s.OutlierFrac > 1 {
		return fmt.Errorf("outlier fraction %g outside [0, 1]", s.OutlierFrac)
	}
	return nil
}

// SyntheticPair generates an offset (N, C, H, W) and flow (N, 2, H, W).
func SyntheticPair(rng *rand.Rand, s SyntheticSpec) (offset, flow *Tensor, err error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	flow = NewTensorRandWithSource(rng, math.Max(s.FlowStd, 0), s.N, 2, s.H, s.W)
	offset = NewTensor(s.N, s.C, s.H, s.W)

	hw := s.H * s.W
	for b := 0; b < s.N; b++ {
		for ch := 0; ch < s.C; ch++ {
			// Even channels are rows (flow channel 1), odd are columns (flow channel 0).
			fBase := (2*b + 1 - ch%2) * hw
			oBase := (b*s.C + ch) * hw

			for p := 0; p < hw; p++ {
				v := flow.data[fBase+p] + s.NoiseStd*rng.NormFloat64()
				if s.OutlierFrac > 0 && rng.Float64() < s.OutlierFrac {
					if rng.Intn(2) == 0 {
						v += s.OutlierMag
					} else {
						v -= s.OutlierMag
					}
				}
				offset.data[oBase+p] = v
			}
		}
	}

	return offset, flow, nil
}
