package main

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSuite() *BenchmarkSuite {
	return &BenchmarkSuite{
		Hardware: HardwareInfo{OS: "linux", Arch: "arm64", NumCPU: 4, SIMD: "SVE"},
		Results: []BenchmarkResult{
			{Strategy: "Reference", Shape: []int{1, 4, 8, 8}, Iterations: 2, AvgTime: 4 * time.Microsecond,
				ElementsPerSec: 64e6, SpeedupVsReference: 1, Loss: 1.25},
			{Strategy: "Fused", Shape: []int{1, 4, 8, 8}, Iterations: 2, AvgTime: time.Microsecond,
				ElementsPerSec: 256e6, SpeedupVsReference: 4, Loss: 1.25},
		},
	}
}

func TestWriteBenchmarkCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBenchmark(&buf, testSuite(), FormatCSV))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "strategy", records[0][4])
	assert.Equal(t, []string{"linux", "arm64", "4", "SVE", "Fused", "1x4x8x8", "2", "1000", "256000000", "4.00", "1.25"}, records[2])
}

func TestWriteBenchmarkASCII(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBenchmark(&buf, testSuite(), FormatASCII))

	out := buf.String()
	assert.Contains(t, out, "Speedup vs Reference")

	// The fastest strategy gets the full bar, the reference a quarter of it.
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Fused") && strings.Contains(line, "x") {
			assert.Equal(t, barWidth, strings.Count(line, "█"))
		}
		if strings.HasPrefix(line, "Reference") && strings.HasSuffix(line, "1.00x") {
			assert.Equal(t, 13, strings.Count(line, "█"))
		}
	}
}

func TestWriteBenchmarkFormats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBenchmark(&buf, testSuite(), FormatTable))
	assert.Contains(t, buf.String(), "Benchmark Summary")

	require.Error(t, WriteBenchmark(&buf, testSuite(), "svg"))
}

func TestBar(t *testing.T) {
	assert.Empty(t, bar(1, 0))
	assert.Empty(t, bar(0, 10))
	assert.Equal(t, strings.Repeat("█", barWidth), bar(10, 10))
	assert.Equal(t, strings.Repeat("█", 25), bar(5, 10))
}
