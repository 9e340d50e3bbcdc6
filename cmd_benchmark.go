package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newBenchmarkCommand(a *app) *cobra.Command {
	spec := SyntheticSpec{N: 4, C: 144, H: 64, W: 64, FlowStd: 4, NoiseStd: 1, OutlierFrac: 0.05, OutlierMag: 25}
	var (
		iterations int
		jsonOut    string
		metricsOut string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Compare reference, fused and parallel loss evaluation",
		Long: `Time the reference tensor pipeline against the fused kernel, single-threaded
and parallel, on a synthetic pair. The default shape (4, 144, 64, 64) matches
a 3x3 deformable convolution with 8 offset groups.

Examples:
  offsetloss benchmark
  offsetloss benchmark -c 18 --height 128 --width 128 --iterations 50
  offsetloss benchmark --format ascii
  offsetloss benchmark --format csv > bench.csv
  offsetloss benchmark --json bench.json --metrics-out bench.prom`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				reg     *prometheus.Registry
				metrics *LossMetrics
			)
			if metricsOut != "" {
				reg = prometheus.NewRegistry()
				metrics = NewLossMetrics(reg)
			}

			a.log.Info("running benchmark", KeyShape, []int{spec.N, spec.C, spec.H, spec.W}, "iterations", iterations)

			suite, err := RunLossBenchmark(spec, iterations, a.cfg.Loss.LossWeight, a.cfg.Loss.Threshold, metrics)
			if err != nil {
				return err
			}
			if err := WriteBenchmark(cmd.OutOrStdout(), suite, format); err != nil {
				return err
			}

			if jsonOut != "" {
				if err := suite.SaveJSON(jsonOut); err != nil {
					return err
				}
				a.log.Info("benchmark results written", KeyPath, jsonOut)
			}
			if reg != nil {
				if err := prometheus.WriteToTextfile(metricsOut, reg); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
				a.log.Info("metrics written", KeyPath, metricsOut)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&spec.N, "batch", "n", spec.N, "Batch size")
	f.IntVarP(&spec.C, "channels", "c", spec.C, "Offset channels (even)")
	f.IntVar(&spec.H, "height", spec.H, "Height")
	f.IntVar(&spec.W, "width", spec.W, "Width")
	f.IntVar(&iterations, "iterations", 10, "Evaluations per strategy")
	f.StringVar(&format, "format", FormatTable, "Output format: table, ascii or csv")
	f.StringVar(&jsonOut, "json", "", "Write results as JSON to this file")
	f.StringVar(&metricsOut, "metrics-out", "", "Write Prometheus metrics to this textfile")

	return cmd
}
