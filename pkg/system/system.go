// SPDX-License-Identifier: GPL-2.0-or-later

// Package system reports host resource usage for the admin surface.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"rtspgate/pkg/log"
)

// Status host resource usage.
type Status struct {
	CPUUsage  int `json:"cpuUsage"`
	RAMUsage  int `json:"ramUsage"`
	DiskUsage int `json:"diskUsage"`
}

type cpuFunc func(context.Context, time.Duration, bool) ([]float64, error)
type ramFunc func() (*mem.VirtualMemoryStat, error)
type diskFunc func(string) (*disk.UsageStat, error)

// System samples host usage on an interval.
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	storageDir string
	interval   time.Duration

	logger *log.Logger
	mu     sync.Mutex
	status Status
	o      sync.Once
}

// New returns a sampler over the given storage directory.
func New(storageDir string, logger *log.Logger) *System {
	return &System{
		cpu:  cpu.PercentWithContext,
		ram:  mem.VirtualMemory,
		disk: disk.Usage,

		storageDir: storageDir,
		interval:   10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	// Blocks for the sampling interval.
	cpuUsage, err := s.cpu(ctx, s.interval, false)
	if err != nil {
		return fmt.Errorf("cpu usage: %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("ram usage: %w", err)
	}
	diskUsage, err := s.disk(s.storageDir)
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:  int(cpuUsage[0]),
		RAMUsage:  int(ramUsage.UsedPercent),
		DiskUsage: int(diskUsage.UsedPercent),
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop samples until ctx is canceled. Runs at most once.
func (s *System) StatusLoop(ctx context.Context) {
	s.o.Do(func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.update(ctx); err != nil {
				s.logger.Warn().Src("system").
					Msgf("update status: %v", err)

				select {
				case <-ctx.Done():
					return
				case <-time.After(s.interval):
				}
			}
		}
	})
}

// Status returns the last sampled usage.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
