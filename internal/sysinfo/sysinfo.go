package sysinfo

import (
	"context"
	"runtime"
	"time"

	"caption-scheduler/internal/models"
	"caption-scheduler/internal/store"
)

// Collector is the system-metrics collaborator consumed by the control
// service. Callers treat a failed Collect as "no data", not as an error to
// propagate.
type Collector interface {
	Collect(ctx context.Context) (models.ResourceUsage, error)
}

// RuntimeCollector reports process memory from the Go runtime and job/
// connection counts from the store. CPU and disk figures require host-level
// instrumentation that lives outside this subsystem and stay zero here.
type RuntimeCollector struct {
	store    store.Store
	connFunc func() int
}

// NewRuntimeCollector builds a collector. connFunc may be nil when no
// connection-count source is available.
func NewRuntimeCollector(st store.Store, connFunc func() int) *RuntimeCollector {
	return &RuntimeCollector{store: st, connFunc: connFunc}
}

func (c *RuntimeCollector) Collect(ctx context.Context) (models.ResourceUsage, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	usage := models.ResourceUsage{
		MemoryUsedMB: float64(mem.Alloc) / (1024 * 1024),
		CollectedAt:  time.Now().UTC(),
	}
	if mem.Sys > 0 {
		usage.MemoryPercent = float64(mem.Alloc) / float64(mem.Sys) * 100
	}
	if c.connFunc != nil {
		usage.DatabaseConnections = c.connFunc()
	}
	if c.store != nil {
		running, err := c.store.CountJobs(ctx, models.StatusRunning)
		if err != nil {
			return models.ResourceUsage{}, err
		}
		queued, err := c.store.CountJobs(ctx, models.StatusQueued)
		if err != nil {
			return models.ResourceUsage{}, err
		}
		usage.ActiveJobs = running + queued
	}
	return usage, nil
}

// StaticCollector returns a fixed snapshot, or an error if Err is set. Test
// helper.
type StaticCollector struct {
	Usage models.ResourceUsage
	Err   error
}

func (c StaticCollector) Collect(context.Context) (models.ResourceUsage, error) {
	return c.Usage, c.Err
}
