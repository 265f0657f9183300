package metrics

import (
	"context"
	"runtime"
	"time"
)

// CollectRuntime samples Go runtime gauges into r every interval until ctx is done.
func CollectRuntime(ctx context.Context, r *Registry, prefix string, interval time.Duration) {
	goroutines := r.Gauge(prefix+"_goroutines", "Number of goroutines")
	heap := r.Gauge(prefix+"_heap_alloc_bytes", "Bytes of allocated heap objects")
	gcs := r.Gauge(prefix+"_gc_cycles", "Completed GC cycles")
	uptime := r.Gauge(prefix+"_uptime_seconds", "Seconds since the process started collecting")

	start := time.Now()
	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		goroutines.Set(float64(runtime.NumGoroutine()))
		heap.Set(float64(ms.HeapAlloc))
		gcs.Set(float64(ms.NumGC))
		uptime.Set(time.Since(start).Seconds())
	}
	sample()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sample()
		}
	}
}
