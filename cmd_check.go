package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/spf13/cobra"
)

// errCheckFailed is returned when a gradient check exceeds its tolerance.
var errCheckFailed = errors.New("gradient check failed")

// GradCheckOptions configures RunGradCheck.
type GradCheckOptions struct {
	Spec      SyntheticSpec
	Seed      int64
	Epsilon   float64
	Tolerance float64 // max relative error allowed
}

// RunGradCheck compares OffsetFidelityBackward with central differences on a
// synthetic pair. Elements whose |Δ| lies within 10ε of 0 or of the threshold
// are nudged away first, since the loss has kinks there.
func RunGradCheck(loss *OffsetFidelityLoss, opts GradCheckOptions) (GradCheckResult, error) {
	offset, flow, err := SyntheticPair(rand.New(rand.NewSource(opts.Seed)), opts.Spec)
	if err != nil {
		return GradCheckResult{}, err
	}
	avoidKinks(offset, flow, loss.Threshold(), 10*opts.Epsilon)

	_, cache, err := loss.ForwardWithCache(offset, flow)
	if err != nil {
		return GradCheckResult{}, err
	}
	analytic := OffsetFidelityBackward(cache, 1.0)

	numeric, err := NumericalGradient(func(x *Tensor) (float64, error) {
		return loss.Forward(x, flow)
	}, offset, opts.Epsilon)
	if err != nil {
		return GradCheckResult{}, err
	}

	result, err := CompareGradients(analytic, numeric)
	if err != nil {
		return result, err
	}
	if result.MaxRelError > opts.Tolerance {
		return result, fmt.Errorf("%w: max relative error %.3g > %.3g at element %d",
			errCheckFailed, result.MaxRelError, opts.Tolerance, result.WorstIndex)
	}
	return result, nil
}

// avoidKinks shifts offset elements whose discrepancy is within margin of 0
// or of ±threshold, so finite differences do not straddle a kink.
func avoidKinks(offset, flow *Tensor, threshold, margin float64) {
	n, c, h, w := offset.shape[0], offset.shape[1], offset.shape[2], offset.shape[3]
	hw := h * w

	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			oBase := (b*c + ch) * hw
			fBase := (2*b + 1 - ch%2) * hw
			for p := 0; p < hw; p++ {
				d := offset.data[oBase+p] - flow.data[fBase+p]
				a := math.Abs(d)
				if a < margin || math.Abs(a-threshold) < margin {
					offset.data[oBase+p] += 4 * margin
				}
			}
		}
	}
}

func newCheckCommand(a *app) *cobra.Command {
	opts := GradCheckOptions{
		Spec:      SyntheticSpec{N: 1, C: 4, H: 4, W: 4, FlowStd: 4, NoiseStd: 2, OutlierFrac: 0.3, OutlierMag: 20},
		Seed:      1,
		Epsilon:   1e-6,
		Tolerance: 1e-5,
	}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the analytic gradient against finite differences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loss := a.cfg.NewLoss()

			result, err := RunGradCheck(loss, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nmax abs error: %.3g\nmax rel error: %.3g\n",
				loss, result.MaxAbsError, result.MaxRelError)
			if err != nil {
				a.log.Error("gradient check failed", KeyError, err)
				return err
			}

			a.log.Info("gradient check passed", "max_rel_error", result.MaxRelError)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.Spec.N, "batch", "n", opts.Spec.N, "Batch size")
	f.IntVarP(&opts.Spec.C, "channels", "c", opts.Spec.C, "Offset channels (even)")
	f.IntVar(&opts.Spec.H, "height", opts.Spec.H, "Height")
	f.IntVar(&opts.Spec.W, "width", opts.Spec.W, "Width")
	f.Int64Var(&opts.Seed, "seed", opts.Seed, "Random seed")
	f.Float64Var(&opts.Epsilon, "eps", opts.Epsilon, "Finite-difference step")
	f.Float64Var(&opts.Tolerance, "tolerance", opts.Tolerance, "Maximum relative error")

	return cmd
}
