// Package hoststats samples the VPS the relay runs on for the dashboard's
// host line.
package hoststats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is a best-effort host sample. A field whose probe failed keeps its
// Has* flag false and is left out of the rendered line.
type Stats struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
	Load1       float64
	Uptime      time.Duration

	HasCPU, HasMem, HasDisk, HasLoad, HasUptime bool
}

// Collect probes each metric independently under ctx. It only returns an
// error when every probe failed.
func Collect(ctx context.Context, diskPath string) (Stats, error) {
	var s Stats
	var errs []string

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent, s.HasCPU = pct[0], true
	} else if err != nil {
		errs = append(errs, "cpu: "+err.Error())
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemPercent, s.HasMem = vm.UsedPercent, true
	} else {
		errs = append(errs, "mem: "+err.Error())
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		s.DiskPercent, s.HasDisk = du.UsedPercent, true
	} else {
		errs = append(errs, "disk: "+err.Error())
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1, s.HasLoad = avg.Load1, true
	} else {
		errs = append(errs, "load: "+err.Error())
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.Uptime, s.HasUptime = time.Duration(up)*time.Second, true
	} else {
		errs = append(errs, "uptime: "+err.Error())
	}

	if !s.HasCPU && !s.HasMem && !s.HasDisk && !s.HasLoad && !s.HasUptime {
		return s, fmt.Errorf("hoststats: %s", strings.Join(errs, "; "))
	}
	return s, nil
}

// Line renders the sample as one caption line, e.g.
// "Host: CPU 12% · RAM 40% · Disk 33% · Load 0.52". Empty when nothing
// was collected.
func (s Stats) Line() string {
	var parts []string
	if s.HasCPU {
		parts = append(parts, fmt.Sprintf("CPU %.0f%%", s.CPUPercent))
	}
	if s.HasMem {
		parts = append(parts, fmt.Sprintf("RAM %.0f%%", s.MemPercent))
	}
	if s.HasDisk {
		parts = append(parts, fmt.Sprintf("Disk %.0f%%", s.DiskPercent))
	}
	if s.HasLoad {
		parts = append(parts, fmt.Sprintf("Load %.2f", s.Load1))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Host: " + strings.Join(parts, " · ")
}
