package observability

import (
	"testing"
	"time"
)

func TestSLOSetTarget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-authorize",
		Operation:   "authorize",
		LatencyP99:  100 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})

	status, err := tracker.Status("authorize")
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-route",
		Operation:   "route",
		LatencyP99:  2 * time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: "route", Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status("route")
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-proofs",
		Operation:   "proofs",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// 90 success + 10 failures = 90%, below the 99% target.
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: "proofs", Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: "proofs", Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("proofs")
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-council",
		Operation:   "council",
		LatencyP99:  30 * time.Second,
		SuccessRate: 0.99, // 1% error budget
		WindowHours: 1,
	})

	// 5% error rate burns budget at 5x.
	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Operation: "council", Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Operation: "council", Latency: 10 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("council")
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
}

func TestSLONoTarget(t *testing.T) {
	tracker := NewSLOTracker()
	if _, err := tracker.Status("nonexistent"); err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestDefaultGovernanceTargets(t *testing.T) {
	tracker := NewSLOTracker()
	for _, target := range DefaultGovernanceTargets() {
		tracker.SetTarget(target)
	}

	for _, op := range []string{"authorize", "route", "council", "proofs", "register"} {
		if _, err := tracker.Status(op); err != nil {
			t.Fatalf("missing default target for %s: %v", op, err)
		}
	}
}
