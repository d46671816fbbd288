// Package diag samples host and process metrics for the RCON profiling
// stream.
package diag

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/energizer-project/rcond/internal/protocol"
	"github.com/energizer-project/rcond/internal/util"
)

// Series indexes, in the order of Groups and Snapshot.
const (
	SeriesSystemCPU = iota
	SeriesSystemMemory
	SeriesProcessCPU
	SeriesProcessRSS
	SeriesGoroutines
	SeriesHeap
	SeriesConnections
	seriesCount
)

var groups = []protocol.ProfileGroup{
	SeriesSystemCPU:    {Color: [4]byte{0xe5, 0x39, 0x35, 0xff}, Name: "system cpu %"},
	SeriesSystemMemory: {Color: [4]byte{0x1e, 0x88, 0xe5, 0xff}, Name: "system memory %"},
	SeriesProcessCPU:   {Color: [4]byte{0xfb, 0x8c, 0x00, 0xff}, Name: "process cpu %"},
	SeriesProcessRSS:   {Color: [4]byte{0x43, 0xa0, 0x47, 0xff}, Name: "process rss mb"},
	SeriesGoroutines:   {Color: [4]byte{0x8e, 0x24, 0xaa, 0xff}, Name: "goroutines"},
	SeriesHeap:         {Color: [4]byte{0x00, 0xac, 0xc1, 0xff}, Name: "heap mb"},
	SeriesConnections:  {Color: [4]byte{0xfd, 0xd8, 0x35, 0xff}, Name: "rcon connections"},
}

// Profiler keeps the latest sample of every series. Sampling runs on its own
// goroutine so Snapshot never blocks the frame loop.
type Profiler struct {
	mu     sync.RWMutex
	sample [seriesCount]float32

	proc        *process.Process
	connections func() int
	logger      zerolog.Logger
}

// NewProfiler creates a profiler. connections is called from Snapshot, on
// the frame loop, to read the live connection count; it may be nil.
func NewProfiler(connections func() int) *Profiler {
	p := &Profiler{
		connections: connections,
		logger:      util.ComponentLogger("profiler"),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		p.logger.Warn().Err(err).Msg("process metrics unavailable")
	} else {
		p.proc = proc
	}
	return p
}

// SetConnectionCounter replaces the connection count source.
func (p *Profiler) SetConnectionCounter(fn func() int) {
	p.connections = fn
}

// Groups implements remoteaccess.Profiler.
func (p *Profiler) Groups() []protocol.ProfileGroup {
	return append([]protocol.ProfileGroup(nil), groups...)
}

// Snapshot implements remoteaccess.Profiler.
func (p *Profiler) Snapshot() []float32 {
	p.mu.RLock()
	out := p.sample
	p.mu.RUnlock()

	if p.connections != nil {
		out[SeriesConnections] = float32(p.connections())
	}
	return out[:]
}

// Run samples every interval until ctx is cancelled.
func (p *Profiler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sample()
		}
	}
}

// Sample takes one measurement of every host and process series.
func (p *Profiler) Sample() {
	var s [seriesCount]float32

	// Zero interval compares against the previous call.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s[SeriesSystemCPU] = float32(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s[SeriesSystemMemory] = float32(vm.UsedPercent)
	}
	if p.proc != nil {
		if pct, err := p.proc.CPUPercent(); err == nil {
			s[SeriesProcessCPU] = float32(pct)
		}
		if mi, err := p.proc.MemoryInfo(); err == nil {
			s[SeriesProcessRSS] = float32(mi.RSS) / (1024 * 1024)
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s[SeriesGoroutines] = float32(runtime.NumGoroutine())
	s[SeriesHeap] = float32(ms.HeapAlloc) / (1024 * 1024)

	p.mu.Lock()
	p.sample = s
	p.mu.Unlock()
}
