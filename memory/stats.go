package memory

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Stats is a snapshot of the pool counters, in bytes.
type Stats struct {
	Budget   int64
	InUse    int64
	Cached   int64
	Peak     int64
	Reclaims int64
}

// MarshalLogObject renders the counters with human readable sizes.
func (s Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	budget := "unlimited"
	if s.Budget > 0 {
		budget = humanize.IBytes(uint64(s.Budget))
	}
	enc.AddString("budget", budget)
	enc.AddString("in_use", humanize.IBytes(uint64(s.InUse)))
	enc.AddString("cached", humanize.IBytes(uint64(s.Cached)))
	enc.AddString("peak", humanize.IBytes(uint64(s.Peak)))
	enc.AddInt64("reclaims", s.Reclaims)
	return nil
}

// HostSample captures the Go heap state for diagnostics.
type HostSample struct {
	HeapAlloc uint64
	HeapSys   uint64
	NumGC     uint32
}

// SampleHost reads the runtime memory statistics.
//
// Returns:
//   - The current heap allocation, heap reserved from the system and GC count.
func SampleHost() HostSample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return HostSample{
		HeapAlloc: m.HeapAlloc,
		HeapSys:   m.HeapSys,
		NumGC:     m.NumGC,
	}
}

// Field returns the sample as a zap field.
func (h HostSample) Field() zap.Field {
	return zap.Dict("host",
		zap.String("heap_alloc", humanize.IBytes(h.HeapAlloc)),
		zap.String("heap_sys", humanize.IBytes(h.HeapSys)),
		zap.Uint32("num_gc", h.NumGC),
	)
}
