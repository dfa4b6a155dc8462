// internal/metrics/metrics_test.go
package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/master"
)

func TestRequestDone_LabelsByKind(t *testing.T) {
	m := New(nil)

	m.RequestDone(0x03, 1, nil, 10*time.Millisecond)
	m.RequestDone(0x03, 1, &master.RequestError{Kind: master.KindResponseTimeout}, time.Second)
	m.RequestDone(0x03, 1, &master.ExceptionError{Addr: 1}, time.Millisecond)

	for result, want := range map[string]float64{"ok": 1, "timeout": 1, "exception": 1} {
		if got := testutil.ToFloat64(m.requests.WithLabelValues("0x03", result)); got != want {
			t.Fatalf("result=%s got %v want %v", result, got, want)
		}
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Fatalf("duration series=%d", n)
	}
}

func TestDeviceScanned_UsesNames(t *testing.T) {
	m := New(map[uint8]string{2: "ahu"})

	m.DeviceScanned(2, true, nil)
	m.DeviceScanned(3, false, nil)

	if got := testutil.ToFloat64(m.online.WithLabelValues("ahu")); got != 1 {
		t.Fatalf("ahu online=%v", got)
	}
	if got := testutil.ToFloat64(m.online.WithLabelValues("3")); got != 0 {
		t.Fatalf("3 online=%v", got)
	}
}

func TestValueChangedAndCycles(t *testing.T) {
	m := New(nil)
	m.ValueChanged(dict.Change{Device: 5, Area: dict.Holding})
	m.ValueChanged(dict.Change{Device: 5, Area: dict.Holding})
	m.ScanCycle(20 * time.Millisecond)
	m.MirrorDropped()

	if got := testutil.ToFloat64(m.changes.WithLabelValues("5", "holding")); got != 2 {
		t.Fatalf("changes=%v", got)
	}
	if got := testutil.ToFloat64(m.cycles); got != 1 {
		t.Fatalf("cycles=%v", got)
	}
	if got := testutil.ToFloat64(m.dropped); got != 1 {
		t.Fatalf("dropped=%v", got)
	}
}

func TestHandler_Exposes(t *testing.T) {
	m := New(nil)
	m.ScanCycle(time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "mbmaster_scan_cycles_total 1") {
		t.Fatalf("missing counter in:\n%s", rec.Body.String())
	}
}
