// Package monitor samples host health for the /healthz endpoint: CPU,
// memory, load, and network throughput.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsutilNet "github.com/shirou/gopsutil/v4/net"
)

const (
	snapshotCacheTTL   = 2 * time.Second
	networkSpeedWindow = 6 * time.Second
	networkHistoryMax  = 10
)

// Health is one point-in-time view of the host and the process.
type Health struct {
	Status string `json:"status"`

	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedPct    float64 `json:"memory_used_pct"`

	NetworkBytesReceived uint64  `json:"network_bytes_received"`
	NetworkBytesSent     uint64  `json:"network_bytes_sent"`
	NetworkSpeedReceived float64 `json:"network_speed_received"`
	NetworkSpeedSent     float64 `json:"network_speed_sent"`

	Platform      string `json:"platform"`
	Goroutines    int    `json:"goroutines"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

type Service struct {
	log       *slog.Logger
	startedAt time.Time

	mu      sync.Mutex
	hasSnap bool
	snap    Health
	snapAt  time.Time

	netRates *ioRateWindow
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:       log,
		startedAt: time.Now(),
		netRates:  newIORateWindow(networkHistoryMax, networkSpeedWindow),
	}
}

// Snapshot returns the current health view. Samples are cached briefly so a
// scraping load balancer cannot turn health checks into load.
func (s *Service) Snapshot(ctx context.Context) Health {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snapAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.snapAt = now
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context) Health {
	collectedAt := time.Now()
	h := Health{
		Status:        "ok",
		Platform:      runtime.GOOS,
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(collectedAt.Sub(s.startedAt).Seconds()),
		TimestampMs:   collectedAt.UnixMilli(),
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		h.CPUUsage = usage
	} else {
		s.log.Warn("healthz: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		h.CPUCores = cores
	} else {
		s.log.Warn("healthz: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		h.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("healthz: get load average failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		h.MemoryUsedBytes = vm.Used
		h.MemoryTotalBytes = vm.Total
		h.MemoryUsedPct = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("healthz: get memory failed", "error", err)
	}

	if ioStats, err := gopsutilNet.IOCountersWithContext(ctx, false); err == nil && len(ioStats) > 0 {
		h.NetworkBytesReceived = ioStats[0].BytesRecv
		h.NetworkBytesSent = ioStats[0].BytesSent

		s.netRates.Observe(ioSample{
			recvBytes: ioStats[0].BytesRecv,
			sentBytes: ioStats[0].BytesSent,
			at:        collectedAt,
		})
		h.NetworkSpeedReceived, h.NetworkSpeedSent = s.netRates.Rate(collectedAt)
	} else if err != nil {
		s.log.Warn("healthz: get network io failed", "error", err)
	}

	return h
}

// readCPUUsage prefers non-blocking sampling (diff from the previous call)
// and falls back to a short blocking interval to bootstrap the counters.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
