// internal/scan/plan_test.go
package scan

import (
	"reflect"
	"testing"
)

var regLimits = Limits{MaxInterval: 10, MaxCount: 50}

func rw(addrs ...uint16) []Point {
	out := make([]Point, len(addrs))
	for i, a := range addrs {
		out[i] = Point{Addr: a, Readable: true, Writable: true, Valid: true}
	}
	return out
}

func TestPlanReads_SingleRun(t *testing.T) {
	got := PlanReads(rw(1, 2, 3), regLimits)
	want := []Range{{Start: 1, Count: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanReads_GapSplits(t *testing.T) {
	got := PlanReads(rw(1, 50), regLimits)
	want := []Range{{Start: 1, Count: 1}, {Start: 50, Count: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanReads_SmallGapIsPadded(t *testing.T) {
	got := PlanReads(rw(1, 5, 10), regLimits)
	want := []Range{{Start: 1, Count: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanReads_WriteOnlyNeitherStartsNorBreaks(t *testing.T) {
	pts := rw(1, 2, 3, 4)
	pts[1].Readable = false // write-only inside
	pts[3].Readable = false // write-only at the end

	got := PlanReads(pts, regLimits)
	want := []Range{{Start: 1, Count: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// a leading write-only entry does not start the run
	pts = rw(1, 2)
	pts[0].Readable = false
	got = PlanReads(pts, regLimits)
	want = []Range{{Start: 2, Count: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanReads_PendingWriteExcluded(t *testing.T) {
	pts := rw(1, 2, 3)
	pts[1].Pending = true

	got := PlanReads(pts, regLimits)
	want := []Range{{Start: 1, Count: 1}, {Start: 3, Count: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// a read-only entry with a stale cache is still read
	pts = rw(1, 2)
	pts[1].Writable, pts[1].Pending = false, true
	got = PlanReads(pts, regLimits)
	want = []Range{{Start: 1, Count: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanReads_MaxCount(t *testing.T) {
	var addrs []uint16
	for a := uint16(0); a < 60; a++ {
		addrs = append(addrs, a)
	}
	got := PlanReads(rw(addrs...), regLimits)
	want := []Range{{Start: 0, Count: 50}, {Start: 50, Count: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanReads_CoverageAndBounds(t *testing.T) {
	// irregular spacing, all gaps within the interval
	var addrs []uint16
	for a := uint16(3); a < 400; a += 1 + a%9 {
		addrs = append(addrs, a)
	}
	pts := rw(addrs...)
	for i := range pts {
		if i%7 == 3 {
			pts[i].Readable = false
		}
	}

	ranges := PlanReads(pts, regLimits)
	for _, r := range ranges {
		if r.Count == 0 || r.Count > regLimits.MaxCount {
			t.Fatalf("range %v violates count limit", r)
		}
		if r.Start < addrs[0] || int(r.Start)+int(r.Count)-1 > int(addrs[len(addrs)-1]) {
			t.Fatalf("range %v leaves the table span", r)
		}
	}

	for _, p := range pts {
		if !p.Readable {
			continue
		}
		n := 0
		for _, r := range ranges {
			if p.Addr >= r.Start && int(p.Addr) < int(r.Start)+int(r.Count) {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("address %d covered %d times", p.Addr, n)
		}
	}
}

func TestPlanWrites_ContiguousChanged(t *testing.T) {
	pts := rw(1, 2, 3)
	for i := range pts {
		pts[i].Pending = true
	}
	got := PlanWrites(pts, regLimits, false)
	want := []Run{{Start: 1, Index: []int{0, 1, 2}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanWrites_Breakers(t *testing.T) {
	pts := rw(1, 2, 4, 5, 6, 7)
	for i := range pts {
		pts[i].Pending = true
	}
	pts[4].Pending = false // unchanged at 6

	got := PlanWrites(pts, regLimits, false)
	want := []Run{
		{Start: 1, Index: []int{0, 1}},
		{Start: 4, Index: []int{2, 3}}, // gap-breaking entry opens the next run
		{Start: 7, Index: []int{5}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanWrites_SkipsReadOnlyAndInvalid(t *testing.T) {
	pts := rw(1, 2, 3)
	pts[0].Writable = false
	pts[2].Valid = false
	for i := range pts {
		pts[i].Pending = true
	}

	got := PlanWrites(pts, regLimits, true)
	want := []Run{{Start: 2, Index: []int{1}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPlanWrites_ForceIgnoresCache(t *testing.T) {
	pts := rw(1, 2)
	if got := PlanWrites(pts, regLimits, false); len(got) != 0 {
		t.Fatalf("unchanged entries planned: %v", got)
	}
	if got := PlanWrites(pts, regLimits, true); len(got) != 1 || len(got[0].Index) != 2 {
		t.Fatalf("forced plan=%v", got)
	}
}

func TestPlanWrites_MaxCount(t *testing.T) {
	var addrs []uint16
	for a := uint16(0); a < 5; a++ {
		addrs = append(addrs, a)
	}
	got := PlanWrites(rw(addrs...), Limits{MaxInterval: 10, MaxCount: 2}, true)
	if len(got) != 3 || got[2].Start != 4 {
		t.Fatalf("got %v", got)
	}
}
