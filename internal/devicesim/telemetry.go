// Package devicesim produces device-side messages: host telemetry sampled
// with gopsutil and vision events either simulated or read from a serial
// detector.
package devicesim

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/iotpulse/internal/logger"
)

const mb = 1024 * 1024

type Disk struct {
	TotalMB uint64  `json:"total_mb"`
	UsedMB  uint64  `json:"used_mb"`
	FreeMB  uint64  `json:"free_mb"`
	UsedPct float64 `json:"used_pct"`
}

// Telemetry is the heartbeat payload. Fields the host cannot report are
// published as null.
type Telemetry struct {
	TS         string   `json:"ts"`
	DeviceID   string   `json:"device_id"`
	IP         string   `json:"ip"`
	UptimeS    int64    `json:"uptime_s"`
	CPUTempC   *float64 `json:"cpu_temp_c"`
	Disk       *Disk    `json:"disk"`
	CPUPct     *float64 `json:"cpu_pct,omitempty"`
	MemUsedPct *float64 `json:"mem_used_pct,omitempty"`
}

type Sampler struct {
	deviceID string
	diskPath string
	started  time.Time
	now      func() time.Time
	log      logger.Logger

	tempCollector  func(context.Context) ([]host.TemperatureStat, error)
	diskCollector  func(context.Context, string) (*disk.UsageStat, error)
	usageCollector func(context.Context, time.Duration, bool) ([]float64, error)
	memCollector   func(context.Context) (*mem.VirtualMemoryStat, error)
	ipResolver     func(context.Context) string
}

func NewSampler(deviceID, diskPath string, log logger.Logger) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{
		deviceID:       deviceID,
		diskPath:       diskPath,
		started:        time.Now(),
		now:            time.Now,
		log:            log.WithComponent("sampler"),
		tempCollector:  host.SensorsTemperaturesWithContext,
		diskCollector:  disk.UsageWithContext,
		usageCollector: cpu.PercentWithContext,
		memCollector:   mem.VirtualMemoryWithContext,
		ipResolver:     localIP,
	}
}

// Sample collects one heartbeat. Collector failures only blank their field.
func (s *Sampler) Sample(ctx context.Context) Telemetry {
	now := s.now().UTC()
	t := Telemetry{
		TS:       now.Format(time.RFC3339Nano),
		DeviceID: s.deviceID,
		IP:       s.ipResolver(ctx),
		UptimeS:  int64(now.Sub(s.started).Seconds()),
	}

	if temps, err := s.tempCollector(ctx); err != nil && len(temps) == 0 {
		s.log.Debug().Err(err).Msg("temperature sensors unavailable")
	} else if v, ok := cpuTemperature(temps); ok {
		t.CPUTempC = &v
	}

	if u, err := s.diskCollector(ctx, s.diskPath); err != nil {
		s.log.Debug().Err(err).Str("path", s.diskPath).Msg("disk usage unavailable")
	} else if u.Total > 0 {
		t.Disk = &Disk{
			TotalMB: u.Total / mb,
			UsedMB:  u.Used / mb,
			FreeMB:  u.Free / mb,
			UsedPct: round1(u.UsedPercent),
		}
	}

	if pct, err := s.usageCollector(ctx, 0, false); err == nil && len(pct) > 0 {
		v := round1(pct[0])
		t.CPUPct = &v
	}

	if vm, err := s.memCollector(ctx); err == nil {
		v := round1(vm.UsedPercent)
		t.MemUsedPct = &v
	}

	return t
}

var cpuSensorHints = []string{"cpu", "package", "coretemp", "k10temp", "soc", "thermal_zone0"}

// cpuTemperature prefers sensors that look like the CPU and falls back to
// the first positive reading.
func cpuTemperature(temps []host.TemperatureStat) (float64, bool) {
	for _, hint := range cpuSensorHints {
		for _, ts := range temps {
			if ts.Temperature > 0 && strings.Contains(strings.ToLower(ts.SensorKey), hint) {
				return round1(ts.Temperature), true
			}
		}
	}
	for _, ts := range temps {
		if ts.Temperature > 0 {
			return round1(ts.Temperature), true
		}
	}
	return 0, false
}

// localIP returns the first IPv4 address on an up, non-loopback interface.
func localIP(ctx context.Context) string {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, _ := strings.Cut(a.Addr, "/")
			if strings.Count(ip, ".") == 3 {
				return ip
			}
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
