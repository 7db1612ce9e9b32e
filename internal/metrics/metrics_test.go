package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coreflux/socksback/internal/protocol"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.TunnelsActive == nil {
		t.Error("TunnelsActive metric is nil")
	}
	if m.BytesInTotal == nil {
		t.Error("BytesInTotal metric is nil")
	}
	if m.DialFailuresTotal == nil {
		t.Error("DialFailuresTotal metric is nil")
	}
}

func TestTunnelOpenedAndClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.TunnelOpened()
	m.TunnelOpened()
	m.TunnelClosed()

	if got := testutil.ToFloat64(m.TunnelsActive); got != 1 {
		t.Errorf("TunnelsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TunnelsOpened); got != 2 {
		t.Errorf("TunnelsOpened = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TunnelsClosed); got != 1 {
		t.Errorf("TunnelsClosed = %v, want 1", got)
	}
}

func TestBytesInOut(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.BytesIn(100)
	m.BytesIn(50)
	m.BytesOut(200)

	if got := testutil.ToFloat64(m.BytesInTotal); got != 150 {
		t.Errorf("BytesInTotal = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesOutTotal); got != 200 {
		t.Errorf("BytesOutTotal = %v, want 200", got)
	}
}

func TestDialFailed_LabeledByReplyCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.DialFailed(protocol.ReplyConnectionRefused)
	m.DialFailed(protocol.ReplyConnectionRefused)
	m.DialFailed(protocol.ReplyHostUnreachable)

	refused := testutil.ToFloat64(m.DialFailuresTotal.WithLabelValues(protocol.ReplyName(protocol.ReplyConnectionRefused)))
	if refused != 2 {
		t.Errorf("refused dial failures = %v, want 2", refused)
	}
	unreachable := testutil.ToFloat64(m.DialFailuresTotal.WithLabelValues(protocol.ReplyName(protocol.ReplyHostUnreachable)))
	if unreachable != 1 {
		t.Errorf("host unreachable dial failures = %v, want 1", unreachable)
	}
}

func TestHeartbeatCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.HeartbeatSent()
	m.HeartbeatSent()
	m.HeartbeatReceived()

	if got := testutil.ToFloat64(m.HeartbeatsSentTotal); got != 2 {
		t.Errorf("HeartbeatsSentTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HeartbeatsReceivedTotal); got != 1 {
		t.Errorf("HeartbeatsReceivedTotal = %v, want 1", got)
	}
}
