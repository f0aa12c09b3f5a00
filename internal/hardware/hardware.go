// Package hardware reports accelerator devices and derives model sizing
// recommendations from them. A Descriptor is plain data once probed.
package hardware

import (
	"math"

	"vlmd/internal/config"
)

// Device is one accelerator as reported by the driver. Memory figures are
// zero when the source (PCI scan) cannot report them.
type Device struct {
	Index              int     `json:"index"`
	Name               string  `json:"name"`
	BusAddress         string  `json:"bus_address,omitempty"`
	TotalGB            float64 `json:"total_gb"`
	FreeGB             float64 `json:"free_gb"`
	UsedGB             float64 `json:"used_gb"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// MemoryUtilization returns used/total as a percentage.
func (d Device) MemoryUtilization() float64 {
	if d.TotalGB == 0 {
		return 0
	}
	return round2(d.UsedGB / d.TotalGB * 100)
}

// Descriptor summarizes the accelerators visible to the process.
type Descriptor struct {
	Accelerated   bool     `json:"accelerated"`
	DriverVersion string   `json:"driver_version,omitempty"`
	Source        string   `json:"source"`
	Devices       []Device `json:"devices"`
	TotalVRAMGB   float64  `json:"total_vram_gb"`
	FreeVRAMGB    float64  `json:"free_vram_gb"`
}

// MinVRAMGB is the free memory the smallest model needs.
const MinVRAMGB = 4.0

// CPUOnly is the descriptor reported when no accelerator is found.
func CPUOnly() Descriptor {
	return Descriptor{Source: SourceNone, Devices: []Device{}}
}

// HasSufficientVRAM reports whether at least minGB is free.
// A non-positive minGB means MinVRAMGB.
func (d Descriptor) HasSufficientVRAM(minGB float64) bool {
	if minGB <= 0 {
		minGB = MinVRAMGB
	}
	return d.FreeVRAMGB >= minGB
}

// RecommendedSize returns the largest model size that fits in free VRAM,
// or "none".
func (d Descriptor) RecommendedSize() string {
	switch {
	case d.FreeVRAMGB >= 16:
		return "8B"
	case d.FreeVRAMGB >= 8:
		return "4B"
	case d.FreeVRAMGB >= 4:
		return "2B"
	default:
		return "none"
	}
}

// RecommendedQuantization picks the least aggressive quantization whose
// estimated footprint fits in free VRAM. CPU-only hosts get 4bit.
func (d Descriptor) RecommendedQuantization(m config.ModelConfig) string {
	if !d.Accelerated {
		return "4bit"
	}
	for _, q := range []string{"none", "8bit"} {
		m.Quantization = q
		if m.EstimatedVRAMGB() <= d.FreeVRAMGB {
			return q
		}
	}
	return "4bit"
}

// DeviceMap returns the placement hint for model loading.
func (d Descriptor) DeviceMap() string {
	if !d.Accelerated {
		return "cpu"
	}
	return "auto"
}

func (d *Descriptor) recompute() {
	d.TotalVRAMGB, d.FreeVRAMGB = 0, 0
	for _, dev := range d.Devices {
		d.TotalVRAMGB += dev.TotalGB
		d.FreeVRAMGB += dev.FreeGB
	}
	d.TotalVRAMGB = round2(d.TotalVRAMGB)
	d.FreeVRAMGB = round2(d.FreeVRAMGB)
	d.Accelerated = len(d.Devices) > 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
