package supervisor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource snapshot of the simulator process.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// Usage samples the running simulator's resource use.
func (s *Supervisor) Usage(ctx context.Context) (Usage, error) {
	pid := s.PID()
	if pid == 0 || s.State() == Terminated {
		return Usage{}, ErrNotStarted
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect simulator: %w", err)
	}
	u := Usage{PID: pid}
	if u.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return Usage{}, fmt.Errorf("simulator cpu: %w", err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("simulator memory: %w", err)
	}
	u.RSSBytes = mem.RSS
	if u.NumThreads, err = p.NumThreadsWithContext(ctx); err != nil {
		return Usage{}, fmt.Errorf("simulator threads: %w", err)
	}
	return u, nil
}
