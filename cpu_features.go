package main

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the SIMD extensions of the host CPU.
// The loss kernels are plain Go; the flags are reported alongside
// benchmark numbers so results from different machines can be compared.
type CPUFeatures struct {
	Arch      string
	NumCPU    int
	HasAVX2   bool
	HasAVX512 bool
	HasFMA    bool
	HasNEON   bool
	HasSVE    bool
	HasSVE2   bool
}

// DetectCPUFeatures reads feature flags through golang.org/x/sys/cpu.
func DetectCPUFeatures() CPUFeatures {
	f := CPUFeatures{
		Arch:   runtime.GOARCH,
		NumCPU: runtime.NumCPU(),
	}

	switch runtime.GOARCH {
	case "amd64":
		f.HasAVX2 = cpu.X86.HasAVX2
		f.HasAVX512 = cpu.X86.HasAVX512F
		f.HasFMA = cpu.X86.HasFMA
	case "arm64":
		f.HasNEON = cpu.ARM64.HasASIMD
		f.HasSVE = cpu.ARM64.HasSVE
		f.HasSVE2 = cpu.ARM64.HasSVE2
		f.HasFMA = true // mandatory on ARM64
	}

	return f
}

// SIMDSummary returns the widest vector extension available, for display.
func (f CPUFeatures) SIMDSummary() string {
	switch {
	case f.HasAVX512:
		return "AVX-512"
	case f.HasAVX2:
		return "AVX2"
	case f.HasSVE2:
		return "SVE2"
	case f.HasSVE:
		return "SVE"
	case f.HasNEON:
		return "NEON"
	default:
		return "none"
	}
}
