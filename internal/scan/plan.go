// internal/scan/plan.go
package scan

// Point is the planner's view of one dictionary entry, taken at the
// start of a pass.
type Point struct {
	Addr     uint16
	Readable bool
	Writable bool

	// Valid is false when the live value cannot be encoded.
	Valid bool

	// Pending is true when the live value differs from the device cache.
	Pending bool

	// Wire is the encoded live value; bits use 0 and 1.
	Wire uint16
}

// Limits bound one coalesced request.
type Limits struct {
	MaxInterval uint16
	MaxCount    uint16
}

// Range is one read request.
type Range struct {
	Start uint16
	Count uint16
}

// Run is one write request: consecutive addresses starting at Start.
// Index holds the positions of the entries in the point slice.
type Run struct {
	Start uint16
	Index []int
}

// PlanReads coalesces readable entries into read requests.
//
// A run is flushed when the gap from the previous entry exceeds
// MaxInterval, when it reaches MaxCount, or at the end of the table.
// Write-only entries neither start nor extend a run but do not break one.
// A read-write entry with a pending write flushes the run before it and
// is left out of this pass.
func PlanReads(points []Point, lim Limits) []Range {
	var (
		out   []Range
		start uint16
		count uint16
		last  uint16
	)
	flush := func() {
		if count > 0 {
			out = append(out, Range{Start: start, Count: count})
			count = 0
		}
	}

	for i, p := range points {
		if i > 0 && int(p.Addr)-int(last)+1 > int(lim.MaxInterval) {
			flush()
		}
		last = p.Addr

		if !p.Readable {
			continue
		}
		if p.Writable && p.Pending {
			flush()
			continue
		}

		if count > 0 && int(p.Addr)-int(start)+1 > int(lim.MaxCount) {
			flush()
		}
		if count == 0 {
			start = p.Addr
		}
		count = p.Addr - start + 1
		if count >= lim.MaxCount {
			flush()
		}
	}
	flush()
	return out
}

// PlanWrites coalesces entries to write into runs of consecutive
// addresses. With force set every valid writable entry is written;
// otherwise only pending ones. Any entry that is not written, an address
// gap, or reaching MaxCount ends a run.
func PlanWrites(points []Point, lim Limits, force bool) []Run {
	var (
		out []Run
		cur Run
	)
	flush := func() {
		if len(cur.Index) > 0 {
			out = append(out, cur)
			cur = Run{}
		}
	}

	for i, p := range points {
		if !p.Writable || !p.Valid || !(force || p.Pending) {
			flush()
			continue
		}
		if n := len(cur.Index); n > 0 {
			prev := points[cur.Index[n-1]].Addr
			if int(p.Addr) != int(prev)+1 || n >= int(lim.MaxCount) {
				flush()
			}
		}
		if len(cur.Index) == 0 {
			cur.Start = p.Addr
		}
		cur.Index = append(cur.Index, i)
	}
	flush()
	return out
}
