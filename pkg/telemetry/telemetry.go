package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/loomworks/loom/pkg/types"
)

// Collector samples host resource usage into Telemetry snapshots. Network
// throughput is derived from interface counter deltas between consecutive
// samples, so the first sample reports zero rates.
type Collector struct {
	diskPath string
	now      func() time.Time
	counters func(ctx context.Context) (recv, sent uint64, err error)

	prevRecv uint64
	prevSent uint64
	prevAt   time.Time
}

// NewCollector creates a collector measuring disk usage at diskPath
// (defaults to "/").
func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		diskPath: diskPath,
		now:      func() time.Time { return time.Now().UTC() },
		counters: readNetCounters,
	}
}

func readNetCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := gopsnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(stats) == 0 {
		return 0, 0, nil
	}
	return stats[0].BytesRecv, stats[0].BytesSent, nil
}

// Sample reads the current resource state. Partial failures degrade the
// snapshot rather than failing it; only a total CPU read failure is an
// error.
func (c *Collector) Sample(ctx context.Context) (*types.Telemetry, error) {
	now := c.now()
	t := &types.Telemetry{Timestamp: now}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("reading cpu usage: %w", err)
	}
	if len(percents) > 0 {
		t.CPUFraction = clampFraction(percents[0] / 100)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		t.MemoryFraction = clampFraction(vm.UsedPercent / 100)
	}

	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		t.DiskUsedBytes = int64(usage.Used)
	}

	recv, sent, err := c.counters(ctx)
	if err == nil {
		if !c.prevAt.IsZero() {
			elapsed := now.Sub(c.prevAt).Seconds()
			if elapsed > 0 {
				t.NetInBps = rate(c.prevRecv, recv, elapsed)
				t.NetOutBps = rate(c.prevSent, sent, elapsed)
			}
		}
		c.prevRecv, c.prevSent, c.prevAt = recv, sent, now
	}

	return t, nil
}

func rate(prev, cur uint64, elapsed float64) int64 {
	if cur < prev {
		// Counter reset (interface bounce); report zero for this window.
		return 0
	}
	return int64(float64(cur-prev) * 8 / elapsed)
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
