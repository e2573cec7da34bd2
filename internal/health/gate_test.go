package health

import (
	"context"
	"errors"
	"testing"
)

func TestGateStartsHealthyAndSkipsProbe(t *testing.T) {
	probes := 0
	g := NewGate(func(context.Context) error { probes++; return nil })
	if err := g.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if probes != 0 {
		t.Fatalf("healthy gate must not probe, probes=%d", probes)
	}
}

func TestGateProbesAfterMarkDown(t *testing.T) {
	probeErr := errors.New("db down")
	probes := 0
	g := NewGate(func(context.Context) error {
		probes++
		return probeErr
	})
	g.MarkDown()
	if g.Healthy() {
		t.Fatal("MarkDown must flip the flag")
	}
	if err := g.Ensure(context.Background()); !errors.Is(err, probeErr) {
		t.Fatalf("probe failure must propagate, got %v", err)
	}
	if g.Healthy() {
		t.Fatal("failed probe must leave the gate down")
	}

	probeErr = nil
	if err := g.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !g.Healthy() || probes != 2 {
		t.Fatalf("successful probe must recover, healthy=%v probes=%d", g.Healthy(), probes)
	}
}
