// internal/status/snapshot.go
package status

import (
	"errors"
	"sort"
	"sync"
)

// Snapshot is the live part of one device's status block.
type Snapshot struct {
	Health         uint16
	LastErrorCode  uint16
	SecondsInError uint16
	Online         bool
	Synchronized   bool
}

// Code extracts a status code from err. Errors without a Code method
// report CodeGeneric.
func Code(err error) uint16 {
	if err == nil {
		return 0
	}
	var c interface{ Code() uint16 }
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeGeneric
}

// Board keeps the current snapshot of every observed device.
type Board struct {
	mu    sync.Mutex
	snaps map[uint8]Snapshot
}

func NewBoard() *Board {
	return &Board{snaps: make(map[uint8]Snapshot)}
}

// Observe folds one scan outcome into the device's snapshot and reports
// whether anything visible changed.
//
// A successful visit clears the error state. A failure keeps the device
// in Error while it is online and in Stale once it has dropped off the
// bus; the seconds counter only moves on Tick.
func (b *Board) Observe(addr uint8, online bool, err error) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.snaps[addr]
	s := old
	s.Online = online

	switch {
	case err == nil && online:
		s.Health = HealthOK
		s.LastErrorCode = 0
		s.SecondsInError = 0
	case !online:
		s.Health = HealthStale
		if err != nil {
			s.LastErrorCode = Code(err)
		}
		s.Synchronized = false
	default:
		s.Health = HealthError
		s.LastErrorCode = Code(err)
	}

	b.snaps[addr] = s
	return s, s != old
}

// SetSynchronized records the device's synchronization flag.
func (b *Board) SetSynchronized(addr uint8, v bool) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.snaps[addr]
	old := s
	s.Synchronized = v
	b.snaps[addr] = s
	return s, s != old
}

// Tick adds one second to every device that is not healthy and returns
// the addresses whose counter moved. The counter saturates.
func (b *Board) Tick() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var moved []uint8
	for addr, s := range b.snaps {
		if s.Health == HealthOK || s.SecondsInError >= maxSeconds {
			continue
		}
		s.SecondsInError++
		b.snaps[addr] = s
		moved = append(moved, addr)
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i] < moved[j] })
	return moved
}

func (b *Board) Get(addr uint8) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.snaps[addr]
	return s, ok
}
