package netmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func TestMonitor_StartsOffline(t *testing.T) {
	m := New(&fakeProber{}, time.Minute, time.Second, nil)
	if m.Reachable() {
		t.Error("monitor must presume offline before the first probe")
	}
}

func TestMonitor_ProbeFlipsReachability(t *testing.T) {
	p := &fakeProber{err: errors.New("no route")}
	m := New(p, time.Minute, time.Second, nil)

	m.probe(context.Background())
	if m.Reachable() {
		t.Fatal("failed probe must leave the monitor offline")
	}

	p.setErr(nil)
	m.probe(context.Background())
	if !m.Reachable() {
		t.Fatal("successful probe must mark the monitor online")
	}

	p.setErr(errors.New("gone again"))
	m.probe(context.Background())
	if m.Reachable() {
		t.Fatal("failed probe must mark the monitor offline")
	}
}

func TestMonitor_TransitionSignalsOnReconnect(t *testing.T) {
	p := &fakeProber{}
	m := New(p, time.Minute, time.Second, nil)

	m.probe(context.Background())
	select {
	case <-m.Transitions():
	case <-time.After(time.Second):
		t.Fatal("expected a transition signal after going online")
	}

	// Staying online emits nothing.
	m.probe(context.Background())
	select {
	case <-m.Transitions():
		t.Fatal("unexpected signal without a transition")
	default:
	}
}

func TestMonitor_TransitionSignalsCoalesce(t *testing.T) {
	p := &fakeProber{}
	m := New(p, time.Minute, time.Second, nil)

	for i := 0; i < 3; i++ {
		m.probe(context.Background())
		p.setErr(errors.New("drop"))
		m.probe(context.Background())
		p.setErr(nil)
	}

	// Three reconnects with no consumer collapse into one buffered signal.
	select {
	case <-m.Transitions():
	default:
		t.Fatal("expected a buffered transition signal")
	}
	select {
	case <-m.Transitions():
		t.Fatal("signals must coalesce in the buffer")
	default:
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	p := &fakeProber{}
	m := New(p, 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-m.Transitions():
	case <-time.After(time.Second):
		t.Fatal("expected the immediate probe to mark the monitor online")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
