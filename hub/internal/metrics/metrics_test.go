package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordHandshake("negotiate", "ok")
	m.RecordFrame("ok")
	m.ObserveCommand("join", "OK", time.Millisecond)
	m.RoomOpened()
	m.RoomClosed()
	m.MemberJoined("anchor")
	m.MemberLeft("anchor")
	m.RecordKickout("replaced")
	m.RecordGatewayCall("join", "ok")
	m.ConnOpened()
	m.ConnClosed()
	m.AddUsage(5)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordHandshake("negotiate", "ok")
	m.RecordHandshake("negotiate", "ok")
	m.RecordKickout("replaced")
	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.AddUsage(30)
	m.AddUsage(-5)

	if got := testutil.ToFloat64(m.handshakes.WithLabelValues("negotiate", "ok")); got != 2 {
		t.Errorf("handshakes: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.kickouts.WithLabelValues("replaced")); got != 1 {
		t.Errorf("kickouts: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rooms); got != 1 {
		t.Errorf("rooms: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.usageSeconds); got != 30 {
		t.Errorf("usage: got %v, want 30", got)
	}
}
