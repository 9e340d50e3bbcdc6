package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file benchmarks the three ways this repository can evaluate the loss:
//
//   Reference        literal tensor pipeline; allocates the reshaped,
//                    flipped and repeated flow plus three temporaries
//   Fused            single pass, direct index arithmetic, one goroutine
//   Fused-Parallel   the same kernel with groups spread over all CPUs
//
// WHAT WE'RE MEASURING:
//   - Time per evaluation
//   - Throughput in offset elements per second
//   - Speedup relative to the reference pipeline
//
// The loss does a handful of flops per element and touches every byte once,
// so throughput tracks memory bandwidth far more than clock speed. Expect the
// fused kernel to win mostly by not allocating, and the parallel kernel to
// flatten out once a few cores saturate the memory bus.
//
// ===========================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"runtime"
	"time"
)

// BenchmarkResult represents a single benchmark measurement.
type BenchmarkResult struct {
	Strategy           string        `json:"strategy"`
	Shape              []int         `json:"shape"`
	Iterations         int           `json:"iterations"`
	TotalTime          time.Duration `json:"total_time_ns"`
	AvgTime            time.Duration `json:"avg_time_ns"`
	ElementsPerSec     float64       `json:"elements_per_sec"`
	SpeedupVsReference float64       `json:"speedup_vs_reference"`
	Loss               float64       `json:"loss"`
}

// BenchmarkSuite represents a collection of benchmarks run on a system.
type BenchmarkSuite struct {
	Timestamp time.Time         `json:"timestamp"`
	Hardware  HardwareInfo      `json:"hardware"`
	Results   []BenchmarkResult `json:"results"`
}

// HardwareInfo describes the system hardware.
type HardwareInfo struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"num_cpu"`
	SIMD      string `json:"simd"`
	HasAVX2   bool   `json:"has_avx2"`
	HasAVX512 bool   `json:"has_avx512"`
	HasNEON   bool   `json:"has_neon"`
	HasSVE    bool   `json:"has_sve"`
}

// DetectHardware gathers information about the current system.
func DetectHardware() HardwareInfo {
	f := DetectCPUFeatures()
	return HardwareInfo{
		OS:        runtime.GOOS,
		Arch:      f.Arch,
		NumCPU:    f.NumCPU,
		SIMD:      f.SIMDSummary(),
		HasAVX2:   f.HasAVX2,
		HasAVX512: f.HasAVX512,
		HasNEON:   f.HasNEON,
		HasSVE:    f.HasSVE,
	}
}

// RunLossBenchmark times each strategy on a synthetic pair of the given spec.
// metrics may be nil.
func RunLossBenchmark(spec SyntheticSpec, iterations int, lossWeight, threshold float64, metrics *LossMetrics) (*BenchmarkSuite, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iterations)
	}

	offset, flow, err := SyntheticPair(rand.New(rand.NewSource(42)), spec)
	if err != nil {
		return nil, err
	}

	serial := NewOffsetFidelityLoss(WithLossWeight(lossWeight), WithThreshold(threshold),
		WithComputeConfig(SingleThreadedConfig()))
	parallel := NewOffsetFidelityLoss(WithLossWeight(lossWeight), WithThreshold(threshold),
		WithComputeConfig(ComputeConfig{Parallel: true}))

	strategies := []struct {
		name string
		impl string
		eval func() (float64, error)
	}{
		{"Reference", "reference", func() (float64, error) {
			return OffsetFidelityReference(offset, flow, lossWeight, threshold)
		}},
		{"Fused", "fused", func() (float64, error) { return serial.Forward(offset, flow) }},
		{"Fused-Parallel", "fused_parallel", func() (float64, error) { return parallel.Forward(offset, flow) }},
	}

	suite := &BenchmarkSuite{
		Timestamp: time.Now(),
		Hardware:  DetectHardware(),
	}

	var referenceAvg time.Duration
	for _, s := range strategies {
		var loss float64
		start := time.Now()
		for i := 0; i < iterations; i++ {
			iterStart := time.Now()
			if loss, err = s.eval(); err != nil {
				metrics.ObserveFailure()
				return nil, fmt.Errorf("%s: %w", s.name, err)
			}
			metrics.ObserveEvaluation(s.impl, loss, time.Since(iterStart))
		}
		total := time.Since(start)
		avg := total / time.Duration(iterations)

		r := BenchmarkResult{
			Strategy:   s.name,
			Shape:      offset.Shape(),
			Iterations: iterations,
			TotalTime:  total,
			AvgTime:    avg,
			Loss:       loss,
		}
		if avg > 0 {
			r.ElementsPerSec = float64(offset.Size()) / avg.Seconds()
		}
		if s.name == "Reference" {
			referenceAvg = avg
		}
		if avg > 0 && referenceAvg > 0 {
			r.SpeedupVsReference = float64(referenceAvg) / float64(avg)
		}

		suite.Results = append(suite.Results, r)
	}

	return suite, nil
}

// SaveJSON writes the suite to filename.
func (suite *BenchmarkSuite) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(suite, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}

// PrintSummary prints a human-readable summary of the benchmark results.
func (suite *BenchmarkSuite) PrintSummary(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Benchmark Summary ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Hardware: %s/%s, %d CPUs, SIMD: %s\n",
		suite.Hardware.OS, suite.Hardware.Arch, suite.Hardware.NumCPU, suite.Hardware.SIMD)
	if len(suite.Results) > 0 {
		fmt.Fprintf(w, "Offset shape: %v\n", suite.Results[0].Shape)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  %-16s %14s %16s %10s %14s\n", "Strategy", "Time", "Elements/s", "Speedup", "Loss")
	fmt.Fprintln(w, "  "+"------------------------------------------------------------------------")
	for _, r := range suite.Results {
		fmt.Fprintf(w, "  %-16s %14v %16.3g %9.2fx %14.6g\n",
			r.Strategy, r.AvgTime, r.ElementsPerSec, r.SpeedupVsReference, r.Loss)
	}
	fmt.Fprintln(w)
}
