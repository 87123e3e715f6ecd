package broadcast

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ent0n29/duet/internal/observability"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetricsWithRegistry("duet_test", prometheus.NewRegistry())
}

func newTestDistributor() *Distributor {
	return NewDistributor(testMetrics(), zerolog.Nop())
}

type recordingHandle struct {
	id     string
	events []any
	fail   bool
}

func (h *recordingHandle) ID() string { return h.id }

func (h *recordingHandle) Send(event any) error {
	if h.fail {
		return errors.New("handle closed")
	}
	h.events = append(h.events, event)
	return nil
}

func TestPublishReachesAllObservers(t *testing.T) {
	d := newTestDistributor()
	h1 := &recordingHandle{id: "c1"}
	h2 := &recordingHandle{id: "c2"}
	d.Register("s1", h1)
	d.Register("s1", h2)

	if got := d.Publish("s1", "hello"); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	if len(h1.events) != 1 || len(h2.events) != 1 {
		t.Fatalf("events = %d/%d, want 1/1", len(h1.events), len(h2.events))
	}
}

func TestPublishDropsFailedHandles(t *testing.T) {
	metrics := testMetrics()
	d := NewDistributor(metrics, zerolog.Nop())
	good := &recordingHandle{id: "good"}
	bad := &recordingHandle{id: "bad", fail: true}
	d.Register("s1", good)
	d.Register("s1", bad)

	if got := d.Publish("s1", "update"); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if d.ObserverCount("s1") != 1 {
		t.Fatalf("failed handle should have been dropped, observers = %d", d.ObserverCount("s1"))
	}
	if got := testutil.ToFloat64(metrics.BroadcastDrops); got != 1 {
		t.Fatalf("broadcast drops counter = %v, want 1", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	d := newTestDistributor()
	h := &recordingHandle{id: "c1"}
	d.Register("s1", h)
	d.Register("s1", h)
	if d.ObserverCount("s1") != 1 {
		t.Fatalf("observers = %d, want 1", d.ObserverCount("s1"))
	}

	d.Unregister("s1", "c1")
	d.Unregister("s1", "c1")
	if d.ObserverCount("s1") != 0 {
		t.Fatalf("observers = %d, want 0", d.ObserverCount("s1"))
	}
}

func TestPublishToUnknownSessionIsNoop(t *testing.T) {
	d := newTestDistributor()
	if got := d.Publish("missing", "x"); got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}
}

func TestDropSessionClearsSet(t *testing.T) {
	d := newTestDistributor()
	d.Register("s1", &recordingHandle{id: "c1"})
	d.Register("s1", &recordingHandle{id: "c2"})
	d.DropSession("s1")
	if d.ObserverCount("s1") != 0 {
		t.Fatalf("observers = %d, want 0 after DropSession", d.ObserverCount("s1"))
	}
}
