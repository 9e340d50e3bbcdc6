package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file renders benchmark suites for the terminal and for spreadsheets.
//
// OUTPUT FORMATS:
//   table   the PrintSummary table (default)
//   ascii   bar charts of throughput and speedup vs the reference pipeline
//   csv     one row per strategy, for plotting elsewhere
//
// The ascii chart makes the memory-bound nature of the loss visible: the
// fused kernel's bar is long because it skips four temporary tensors, the
// parallel bar stops growing once a few cores saturate memory bandwidth.
//
// ===========================================================================

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Benchmark output formats accepted by WriteBenchmark.
const (
	FormatTable = "table"
	FormatASCII = "ascii"
	FormatCSV   = "csv"
)

// barWidth is the length of the longest bar in an ascii chart.
const barWidth = 50

// WriteBenchmark renders suite to w in the given format.
func WriteBenchmark(w io.Writer, suite *BenchmarkSuite, format string) error {
	switch format {
	case FormatTable, "":
		suite.PrintSummary(w)
		return nil
	case FormatASCII:
		writeASCIIChart(w, suite)
		return nil
	case FormatCSV:
		return writeCSV(w, suite)
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

// writeCSV exports benchmark data as CSV.
func writeCSV(w io.Writer, suite *BenchmarkSuite) error {
	cw := csv.NewWriter(w)

	header := []string{"os", "arch", "cores", "simd", "strategy", "shape", "iterations",
		"avg_time_ns", "elements_per_sec", "speedup", "loss"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range suite.Results {
		record := []string{
			suite.Hardware.OS,
			suite.Hardware.Arch,
			strconv.Itoa(suite.Hardware.NumCPU),
			suite.Hardware.SIMD,
			r.Strategy,
			formatShape(r.Shape),
			strconv.Itoa(r.Iterations),
			strconv.FormatInt(r.AvgTime.Nanoseconds(), 10),
			strconv.FormatFloat(r.ElementsPerSec, 'f', 0, 64),
			strconv.FormatFloat(r.SpeedupVsReference, 'f', 2, 64),
			strconv.FormatFloat(r.Loss, 'g', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// writeASCIIChart draws throughput and speedup bars.
func writeASCIIChart(w io.Writer, suite *BenchmarkSuite) {
	maxRate, maxSpeedup := 0.0, 0.0
	for _, r := range suite.Results {
		maxRate = math.Max(maxRate, r.ElementsPerSec)
		maxSpeedup = math.Max(maxSpeedup, r.SpeedupVsReference)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Throughput (offset elements/s) ===")
	fmt.Fprintln(w)
	for _, r := range suite.Results {
		fmt.Fprintf(w, "%-16s │%s %.3g\n", r.Strategy, bar(r.ElementsPerSec, maxRate), r.ElementsPerSec)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Speedup vs Reference ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Ideal parallel: %dx with %d cores\n", suite.Hardware.NumCPU, suite.Hardware.NumCPU)
	fmt.Fprintln(w)
	for _, r := range suite.Results {
		fmt.Fprintf(w, "%-16s │%s %.2fx\n", r.Strategy, bar(r.SpeedupVsReference, maxSpeedup), r.SpeedupVsReference)
	}
	fmt.Fprintln(w)
}

// bar returns a bar scaled so that limit fills barWidth.
func bar(v, limit float64) string {
	if limit <= 0 || v <= 0 || math.IsNaN(v) {
		return ""
	}
	n := int(math.Round(v / limit * barWidth))
	return strings.Repeat("█", min(n, barWidth))
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}
