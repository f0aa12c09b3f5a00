package hardware

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	SourceNvidiaSMI = "nvidia-smi"
	SourcePCI       = "pci"
	SourceNone      = "none"

	nvidiaVendorID = "0x10de"
	// PCI base class 0x03 is display controller (VGA, 3D).
	displayClassPrefix = "0x03"
)

// CommandRunner executes a command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Prober discovers accelerators. The zero value is not usable; use NewProber.
type Prober struct {
	run     CommandRunner
	pciRoot string
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	cached *Descriptor
}

type Option func(*Prober)

// WithRunner replaces the command runner used to call nvidia-smi.
func WithRunner(r CommandRunner) Option { return func(p *Prober) { p.run = r } }

// WithPCIRoot sets the sysfs directory scanned as a fallback.
func WithPCIRoot(dir string) Option { return func(p *Prober) { p.pciRoot = dir } }

func WithLogger(l zerolog.Logger) Option { return func(p *Prober) { p.log = l } }

func NewProber(opts ...Option) *Prober {
	p := &Prober{
		run:     execRunner,
		pciRoot: "/sys/bus/pci/devices",
		timeout: 5 * time.Second,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe returns the cached descriptor or detects it. It never fails: any
// detection error degrades to the next source and finally to CPUOnly.
func (p *Prober) Probe(ctx context.Context) Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached
	}
	d := p.detect(ctx)
	p.cached = &d
	return d
}

// Reset drops the cached descriptor so the next Probe detects again.
func (p *Prober) Reset() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *Prober) detect(ctx context.Context) Descriptor {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.run(cctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.free,memory.used,utilization.gpu,driver_version",
		"--format=csv,noheader,nounits")
	if err == nil {
		d, perr := parseNvidiaSMI(out)
		if perr == nil && len(d.Devices) > 0 {
			return d
		}
		if perr != nil {
			p.log.Warn().Err(perr).Msg("nvidia-smi output not understood")
		}
	} else {
		p.log.Debug().Err(err).Msg("nvidia-smi unavailable")
	}
	devs, err := scanPCI(p.pciRoot)
	if err != nil {
		p.log.Debug().Err(err).Str("root", p.pciRoot).Msg("pci scan failed")
	}
	if len(devs) > 0 {
		d := Descriptor{Source: SourcePCI, Devices: devs}
		d.recompute()
		return d
	}
	return CPUOnly()
}

// parseNvidiaSMI reads `--format=csv,noheader,nounits` rows. Memory is MiB.
func parseNvidiaSMI(out []byte) (Descriptor, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return Descriptor{}, fmt.Errorf("csv: %w", err)
	}
	d := Descriptor{Source: SourceNvidiaSMI, Devices: []Device{}}
	for i, row := range rows {
		if len(row) < 6 {
			return Descriptor{}, fmt.Errorf("row %d: expected at least 6 columns, got %d", i, len(row))
		}
		idx, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return Descriptor{}, fmt.Errorf("row %d index: %w", i, err)
		}
		total, err1 := parseMiB(row[2])
		free, err2 := parseMiB(row[3])
		used, err3 := parseMiB(row[4])
		if err1 != nil || err2 != nil || err3 != nil {
			return Descriptor{}, fmt.Errorf("row %d: bad memory figures %q", i, row[2:5])
		}
		util, _ := strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
		d.Devices = append(d.Devices, Device{
			Index:              idx,
			Name:               strings.TrimSpace(row[1]),
			TotalGB:            total,
			FreeGB:             free,
			UsedGB:             used,
			UtilizationPercent: util,
		})
		if len(row) > 6 && d.DriverVersion == "" {
			d.DriverVersion = strings.TrimSpace(row[6])
		}
	}
	d.recompute()
	return d, nil
}

func parseMiB(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return round2(v / 1024), nil
}

// scanPCI lists NVIDIA display controllers under root. Entries that cannot
// be read are skipped.
func scanPCI(root string) ([]Device, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	var devs []Device
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		vendor, err := readSysfs(dir, "vendor")
		if err != nil || !strings.EqualFold(vendor, nvidiaVendorID) {
			continue
		}
		class, err := readSysfs(dir, "class")
		if err != nil || !strings.HasPrefix(class, displayClassPrefix) {
			continue
		}
		deviceID, _ := readSysfs(dir, "device")
		devs = append(devs, Device{
			Index:      len(devs),
			Name:       fmt.Sprintf("NVIDIA [%s]", deviceID),
			BusAddress: e.Name(),
		})
	}
	return devs, nil
}

func readSysfs(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(b))), nil
}
