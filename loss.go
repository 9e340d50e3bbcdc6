package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the offset-fidelity loss for deformable alignment.
//
// INTENTION:
// A deformable convolution predicts, for every output pixel, where to sample
// the neighbouring frame. Those sampling offsets play the same role as
// optical flow, and early in training they are noisy enough to destabilise
// the whole network. The offset-fidelity loss pulls offsets back toward a
// precomputed flow field, but only where they have strayed further than a
// threshold t:
//
//   L = λ · Σ_g mean_{j,y,x} ( 1[|Δ| > t] · |Δ| ),   Δ = offset_g − flip(flow)
//
// LAYOUT:
//
// offset: (n, c, h, w) with channels (y1, x1, y2, x2, ...)   c/2 groups
// flow:   (n, 2, h, w) with channels (x, y)
//
// Each consecutive channel pair of the offset is one "group" g = b·c/2 + k.
// Group g is compared with the flow of its own batch item, channel-swapped so
// that row is compared with row and column with column:
//
//   offset[b, 2k,   y, x]  <->  flow[b, 1, y, x]
//   offset[b, 2k+1, y, x]  <->  flow[b, 0, y, x]
//
// Because (n, c, h, w) and (n·c/2, 2, h, w) share the same row-major layout,
// offset element (g, j, p) lives at g·2hw + j·hw + p in both views.
//
// TWO IMPLEMENTATIONS:
//
//   OffsetFidelityReference   literal reshape/flip/repeat/abs/mask/mean/sum
//                             pipeline over Tensor ops. Allocates the
//                             repeated flow. Easy to audit.
//   OffsetFidelityLoss        fused single pass with direct index arithmetic,
//                             no intermediate tensors, parallel over groups.
//
// The tests hold the two to the same answer.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

const (
	// DefaultLossWeight is λ in Eq. (5).
	DefaultLossWeight = 1.0

	// DefaultThreshold is t in Eq. (5). Discrepancies at or below it are ignored.
	DefaultThreshold = 10.0
)

// OffsetFidelityLoss penalises deformable-convolution offsets that diverge
// from optical flow by more than a threshold.
//
// The configuration is fixed at construction. An OffsetFidelityLoss holds no
// other state and may be shared between goroutines.
type OffsetFidelityLoss struct {
	lossWeight float64
	threshold  float64
	compute    ComputeConfig
}

// LossOption configures an OffsetFidelityLoss.
type LossOption func(*OffsetFidelityLoss)

// WithLossWeight sets the multiplicative loss weight. Any real value is
// accepted, including negative ones.
func WithLossWeight(w float64) LossOption {
	return func(l *OffsetFidelityLoss) { l.lossWeight = w }
}

// WithThreshold sets the discrepancy threshold.
func WithThreshold(t float64) LossOption {
	return func(l *OffsetFidelityLoss) { l.threshold = t }
}

// WithComputeConfig sets how groups are spread across goroutines.
func WithComputeConfig(cfg ComputeConfig) LossOption {
	return func(l *OffsetFidelityLoss) { l.compute = cfg }
}

// NewOffsetFidelityLoss returns a loss with weight 1.0 and threshold 10.0
// unless overridden by opts.
func NewOffsetFidelityLoss(opts ...LossOption) *OffsetFidelityLoss {
	l := &OffsetFidelityLoss{
		lossWeight: DefaultLossWeight,
		threshold:  DefaultThreshold,
		compute:    DefaultComputeConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LossWeight returns λ.
func (l *OffsetFidelityLoss) LossWeight() float64 { return l.lossWeight }

// Threshold returns t.
func (l *OffsetFidelityLoss) Threshold() float64 { return l.threshold }

// String implements fmt.Stringer.
func (l *OffsetFidelityLoss) String() string {
	return fmt.Sprintf("OffsetFidelityLoss(loss_weight=%g, threshold=%g)", l.lossWeight, l.threshold)
}

// Forward computes the loss for offset (n, c, h, w) and flow (n, 2, h, w).
// Shape problems are reported as errors wrapping ErrShapeMismatch or
// ErrInvalidShape. NaN and Inf inputs are not checked and propagate.
func (l *OffsetFidelityLoss) Forward(offset, flow *Tensor) (float64, error) {
	geo, err := offsetGeometryOf(offset, flow)
	if err != nil {
		return 0, err
	}

	scratch := groupScratch.get(geo.groups)
	defer groupScratch.put(scratch)

	groupLoss := *scratch
	l.run(offset, flow, geo, groupKernelOutputs{loss: groupLoss})

	return l.lossWeight * sumInOrder(groupLoss), nil
}

// OffsetFidelityCache holds what the backward pass needs from a forward pass.
type OffsetFidelityCache struct {
	offsetShape []int
	lossWeight  float64
	groupSize   int // 2·h·w elements averaged per group

	// maskSign[i] = 1[|Δ_i| > t] · sign(Δ_i), laid out like the offset.
	maskSign []float64
}

// ForwardWithCache computes the loss and records the mask and discrepancy
// signs for OffsetFidelityBackward.
func (l *OffsetFidelityLoss) ForwardWithCache(offset, flow *Tensor) (float64, *OffsetFidelityCache, error) {
	geo, err := offsetGeometryOf(offset, flow)
	if err != nil {
		return 0, nil, err
	}

	cache := &OffsetFidelityCache{
		offsetShape: cloneShape(offset.shape),
		lossWeight:  l.lossWeight,
		groupSize:   geo.groupSize(),
		maskSign:    make([]float64, len(offset.data)),
	}

	groupLoss := make([]float64, geo.groups)
	l.run(offset, flow, geo, groupKernelOutputs{loss: groupLoss, maskSign: cache.maskSign})

	return l.lossWeight * sumInOrder(groupLoss), cache, nil
}

// ForwardBackward computes the loss and accumulates ∂L/∂offset into the
// offset's gradient buffer. flow receives no gradient.
func (l *OffsetFidelityLoss) ForwardBackward(offset, flow *Tensor) (float64, error) {
	loss, cache, err := l.ForwardWithCache(offset, flow)
	if err != nil {
		return 0, err
	}

	offset.AccumulateGrad(OffsetFidelityBackward(cache, 1.0))
	return loss, nil
}

// LossReport breaks a loss evaluation down for logging and metrics.
type LossReport struct {
	Loss           float64   // λ · Σ GroupLosses
	GroupLosses    []float64 // unweighted per-group masked means, length n·c/2
	Groups         int
	Elements       int     // offset elements compared
	MaskedElements int     // elements with |Δ| > t
	MaskedFraction float64 // MaskedElements / Elements
	MaxAbsDiff     float64 // largest |Δ| seen (NaN if any Δ is NaN)
}

// Report computes the loss together with per-group detail.
func (l *OffsetFidelityLoss) Report(offset, flow *Tensor) (*LossReport, error) {
	geo, err := offsetGeometryOf(offset, flow)
	if err != nil {
		return nil, err
	}

	out := groupKernelOutputs{
		loss:    make([]float64, geo.groups),
		masked:  make([]int, geo.groups),
		maxDiff: make([]float64, geo.groups),
	}
	l.run(offset, flow, geo, out)

	r := &LossReport{
		Loss:        l.lossWeight * sumInOrder(out.loss),
		GroupLosses: out.loss,
		Groups:      geo.groups,
		Elements:    len(offset.data),
	}
	for g := range out.masked {
		r.MaskedElements += out.masked[g]
		if m := out.maxDiff[g]; m > r.MaxAbsDiff || math.IsNaN(m) {
			r.MaxAbsDiff = m
		}
	}
	r.MaskedFraction = float64(r.MaskedElements) / float64(r.Elements)

	return r, nil
}

// ===========================================================================
// FUSED KERNEL
// ===========================================================================

// offsetGeometry describes a validated (offset, flow) pair.
type offsetGeometry struct {
	n, c, h, w int
	groups     int // n·c/2
	plane      int // h·w
}

func (g offsetGeometry) groupSize() int { return 2 * g.plane }

// offsetGeometryOf validates shapes and returns the group layout.
func offsetGeometryOf(offset, flow *Tensor) (offsetGeometry, error) {
	if offset == nil || flow == nil {
		return offsetGeometry{}, fmt.Errorf("%w: offset and flow are required", ErrInvalidShape)
	}
	if len(offset.shape) != 4 {
		return offsetGeometry{}, fmt.Errorf("%w: offset must be (n, c, h, w), got %v", ErrInvalidShape, offset.shape)
	}
	if len(flow.shape) != 4 {
		return offsetGeometry{}, fmt.Errorf("%w: flow must be (n, 2, h, w), got %v", ErrInvalidShape, flow.shape)
	}

	n, c, h, w := offset.shape[0], offset.shape[1], offset.shape[2], offset.shape[3]

	if c%2 != 0 {
		return offsetGeometry{}, fmt.Errorf("%w: offset channels must be even, got %d", ErrShapeMismatch, c)
	}
	if flow.shape[1] != 2 {
		return offsetGeometry{}, fmt.Errorf("%w: flow must have 2 channels, got %d", ErrShapeMismatch, flow.shape[1])
	}
	if flow.shape[0] != n || flow.shape[2] != h || flow.shape[3] != w {
		return offsetGeometry{}, fmt.Errorf("%w: offset %v and flow %v disagree on batch or spatial size",
			ErrShapeMismatch, offset.shape, flow.shape)
	}

	return offsetGeometry{
		n: n, c: c, h: h, w: w,
		groups: n * c / 2,
		plane:  h * w,
	}, nil
}

// groupKernelOutputs collects per-group results. Nil slices are skipped.
type groupKernelOutputs struct {
	loss     []float64 // unweighted masked mean per group
	maskSign []float64 // per offset element, see OffsetFidelityCache
	masked   []int     // masked element count per group
	maxDiff  []float64 // max |Δ| per group
}

func (l *OffsetFidelityLoss) run(offset, flow *Tensor, geo offsetGeometry, out groupKernelOutputs) {
	parallelFor(geo.groups, len(offset.data), l.compute, func(start, end int) {
		for g := start; g < end; g++ {
			l.group(offset, flow, geo, g, out)
		}
	})
}

// group evaluates a single offset group. Only slots belonging to g are written,
// so groups can be evaluated concurrently.
func (l *OffsetFidelityLoss) group(offset, flow *Tensor, geo offsetGeometry, g int, out groupKernelOutputs) {
	hw := geo.plane
	b := g / (geo.c / 2)

	sum := 0.0
	masked := 0
	maxDiff := 0.0

	for j := 0; j < 2; j++ {
		oBase := (2*g + j) * hw
		fBase := (2*b + 1 - j) * hw // flipped flow channel

		for p := 0; p < hw; p++ {
			d := offset.data[oBase+p] - flow.data[fBase+p]
			a := math.Abs(d)

			// mask · |Δ| is formed even when the mask is 0, so a NaN
			// discrepancy still poisons the loss.
			m := 0.0
			if a > l.threshold {
				m = 1
				masked++
			}
			sum += m * a

			if a > maxDiff || math.IsNaN(a) {
				maxDiff = a
			}
			if out.maskSign != nil {
				out.maskSign[oBase+p] = m * sign(d)
			}
		}
	}

	out.loss[g] = sum / float64(geo.groupSize())
	if out.masked != nil {
		out.masked[g] = masked
	}
	if out.maxDiff != nil {
		out.maxDiff[g] = maxDiff
	}
}

// ===========================================================================
// REFERENCE PIPELINE
// ===========================================================================

// OffsetFidelityReference computes the loss with explicit tensor operations:
//
//	offset.Reshape(-1, 2, h, w)
//	flow.Flip(1).Repeat(1, c/2, 1, 1).Reshape(-1, 2, h, w)
//	abs_diff = |offset − flow|
//	λ · Σ mean_{1,2,3}( (abs_diff > t) · abs_diff )
//
// It is slower than OffsetFidelityLoss.Forward and exists as the readable
// definition of the loss.
func OffsetFidelityReference(offset, flow *Tensor, lossWeight, threshold float64) (float64, error) {
	geo, err := offsetGeometryOf(offset, flow)
	if err != nil {
		return 0, err
	}

	groupedOffset, err := offset.Reshape(-1, 2, geo.h, geo.w)
	if err != nil {
		return 0, fmt.Errorf("reshape offset: %w", err)
	}

	flipped, err := Flip(flow, 1)
	if err != nil {
		return 0, fmt.Errorf("flip flow: %w", err)
	}
	repeated, err := Repeat(flipped, 1, geo.c/2, 1, 1)
	if err != nil {
		return 0, fmt.Errorf("repeat flow: %w", err)
	}
	groupedFlow, err := repeated.Reshape(-1, 2, geo.h, geo.w)
	if err != nil {
		return 0, fmt.Errorf("reshape flow: %w", err)
	}

	diff, err := Sub(groupedOffset, groupedFlow)
	if err != nil {
		return 0, err
	}
	absDiff := Abs(diff)
	mask := GreaterThan(absDiff, threshold)

	maskedDiff, err := Mul(mask, absDiff)
	if err != nil {
		return 0, err
	}
	means, err := MeanOverTrailing(maskedDiff)
	if err != nil {
		return 0, err
	}

	return lossWeight * Sum(means), nil
}

// ===========================================================================
// HELPERS
// ===========================================================================

// sumInOrder adds values left to right. Keeping the order fixed makes the
// parallel and single-threaded paths agree bit for bit.
func sumInOrder(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// sign returns -1, 0 or 1, and NaN for NaN.
func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	case x == 0:
		return 0
	default:
		return math.NaN()
	}
}
