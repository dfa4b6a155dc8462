// internal/scan/runner.go
package scan

import (
	"context"
	"time"
)

// Run performs a cycle, sleeps the poll interval, and repeats until ctx
// is cancelled. Cycles never overlap.
func (s *Scanner) Run(ctx context.Context) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()

	for {
		s.ScanOnce()

		t.Reset(s.cfg.Interval)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Reporters fans one outcome out to several reporters.
type Reporters []Reporter

func (rs Reporters) DeviceScanned(addr uint8, online bool, err error) {
	for _, r := range rs {
		r.DeviceScanned(addr, online, err)
	}
}
