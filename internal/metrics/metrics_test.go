package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c.EventApplied("message.created")
	c.EventApplied("message.created")
	c.EventDropped("protocol_violation")
	c.PageLoaded(true)
	c.AddPending(2)
	c.AddPending(-1)

	if got := testutil.ToFloat64(c.EventsApplied.WithLabelValues("message.created")); got != 2 {
		t.Errorf("events applied = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.PendingMessages); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}

	if _, err := New(reg); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestCollectors_NilSafe(t *testing.T) {
	var c *Collectors
	c.EventApplied("x")
	c.EventDropped("x")
	c.StatusParked()
	c.Promoted()
	c.SendFailed("x")
	c.PageLoaded(false)
	c.Reconciled("ok")
	c.AddPending(1)
}
