package main

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// evalOptions holds the flags of the eval command.
type evalOptions struct {
	offsetPath string
	flowPath   string
	gradOut    string
	reference  bool
	groups     bool
	metricsOut string
}

func newEvalCommand(a *app) *cobra.Command {
	var opts evalOptions

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate the loss for an offset/flow pair",
		Long: `Evaluate the offset-fidelity loss for tensors stored in offsetloss tensor
files (4-byte header length, JSON header, little-endian float64 data).

Examples:
  offsetloss eval --offset offset.bin --flow flow.bin
  offsetloss eval --offset offset.bin --flow flow.bin --grad-out grad.bin
  offsetloss eval --offset offset.bin --flow flow.bin --reference --groups`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runEval(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.offsetPath, "offset", "", "Offset tensor file (n, c, h, w)")
	f.StringVar(&opts.flowPath, "flow", "", "Flow tensor file (n, 2, h, w)")
	f.StringVar(&opts.gradOut, "grad-out", "", "Write ∂L/∂offset to this file")
	f.BoolVar(&opts.reference, "reference", false, "Also run the reference pipeline and compare")
	f.BoolVar(&opts.groups, "groups", false, "Print per-group losses")
	f.StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus metrics to this textfile")
	_ = cmd.MarkFlagRequired("offset")
	_ = cmd.MarkFlagRequired("flow")

	return cmd
}

func (a *app) runEval(cmd *cobra.Command, opts evalOptions) error {
	offset, flow, err := loadPair(cmd, opts.offsetPath, opts.flowPath)
	if err != nil {
		return err
	}

	var (
		reg     *prometheus.Registry
		metrics *LossMetrics
	)
	if opts.metricsOut != "" {
		reg = prometheus.NewRegistry()
		metrics = NewLossMetrics(reg)
	}
	loss := a.cfg.NewLoss()

	start := time.Now()
	report, err := loss.Report(offset, flow)
	if err != nil {
		metrics.ObserveFailure()
		return fmt.Errorf("evaluate loss: %w", err)
	}
	elapsed := time.Since(start)
	metrics.ObserveEvaluation("fused", report.Loss, elapsed)
	metrics.ObserveReport(report)

	a.log.Info("loss evaluated",
		KeyLoss, report.Loss,
		KeyShape, offset.Shape(),
		KeyGroups, report.Groups,
		KeyMaskedFraction, report.MaskedFraction,
		KeyDuration, elapsed,
	)

	out := cmd.OutOrStdout()
	printReport(out, loss, report, opts.groups)

	if opts.reference {
		start := time.Now()
		ref, err := OffsetFidelityReference(offset, flow, loss.LossWeight(), loss.Threshold())
		if err != nil {
			return fmt.Errorf("reference pipeline: %w", err)
		}
		metrics.ObserveEvaluation("reference", ref, time.Since(start))

		fmt.Fprintf(out, "Reference:       %.10g (|diff| %.3g)\n", ref, math.Abs(ref-report.Loss))
	}

	if opts.gradOut != "" {
		_, cache, err := loss.ForwardWithCache(offset, flow)
		if err != nil {
			return err
		}
		if err := SaveTensor(opts.gradOut, OffsetFidelityBackward(cache, 1.0)); err != nil {
			return fmt.Errorf("write gradient: %w", err)
		}
		a.log.Info("gradient written", KeyPath, opts.gradOut)
	}

	if reg != nil {
		if err := prometheus.WriteToTextfile(opts.metricsOut, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	return nil
}

// loadPair reads the offset and flow files concurrently.
func loadPair(cmd *cobra.Command, offsetPath, flowPath string) (offset, flow *Tensor, err error) {
	g, ctx := errgroup.WithContext(cmd.Context())

	g.Go(func() error {
		t, err := LoadTensor(offsetPath)
		if err != nil {
			return fmt.Errorf("load offset: %w", err)
		}
		offset = t
		return ctx.Err()
	})
	g.Go(func() error {
		t, err := LoadTensor(flowPath)
		if err != nil {
			return fmt.Errorf("load flow: %w", err)
		}
		flow = t
		return ctx.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return offset, flow, nil
}

func printReport(w io.Writer, loss *OffsetFidelityLoss, r *LossReport, groups bool) {
	fmt.Fprintln(w, loss)
	fmt.Fprintf(w, "Loss:            %.10g\n", r.Loss)
	fmt.Fprintf(w, "Groups:          %d\n", r.Groups)
	fmt.Fprintf(w, "Masked elements: %d / %d (%.2f%%)\n", r.MaskedElements, r.Elements, 100*r.MaskedFraction)
	fmt.Fprintf(w, "Max |offset-flow|: %.6g\n", r.MaxAbsDiff)

	if groups {
		for g, v := range r.GroupLosses {
			fmt.Fprintf(w, "  group %4d: %.6g\n", g, v)
		}
	}
}
