package risk

import (
	"sync"
	"testing"
	"time"
)

func testScorer() (*Scorer, *time.Time) {
	s := NewScorer()
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestTierThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  Tier
	}{
		{0, TierLow},
		{19, TierLow},
		{20, TierMedium},
		{49, TierMedium},
		{50, TierHigh},
		{99, TierHigh},
		{100, TierCritical},
		{250, TierCritical},
	}
	for _, tc := range cases {
		if got := TierFor(tc.score); got != tc.want {
			t.Errorf("TierFor(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestFlagAccumulatesPoints(t *testing.T) {
	s, _ := testScorer()

	b := s.Flag("cust_1", FlagFailedLogin, "")
	if b.Score != 10 || b.Tier != TierLow {
		t.Errorf("after failed_login: score=%d tier=%s", b.Score, b.Tier)
	}

	b = s.Flag("cust_1", FlagPaymentFailure, "")
	if b.Score != 35 || b.Tier != TierMedium {
		t.Errorf("after payment_failure: score=%d tier=%s", b.Score, b.Tier)
	}

	b = s.Flag("cust_1", FlagHoneypot, "")
	if b.Score != 85 || b.Tier != TierHigh {
		t.Errorf("after honeypot: score=%d tier=%s", b.Score, b.Tier)
	}

	b = s.Flag("cust_1", FlagInjectionProbe, "")
	if b.Score != 115 || b.Tier != TierCritical {
		t.Errorf("after injection_probe: score=%d tier=%s", b.Score, b.Tier)
	}
}

func TestUnknownFlagIgnored(t *testing.T) {
	s, _ := testScorer()
	b := s.Flag("cust_1", FlagType("made_up"), "")
	if b.Score != 0 {
		t.Errorf("unknown flag must not score, got %d", b.Score)
	}
}

func TestDecayOnePointPerMinute(t *testing.T) {
	s, now := testScorer()

	s.Flag("cust_1", FlagPaymentFailure, "") // 25
	*now = now.Add(10 * time.Minute)

	b, _ := s.Get("cust_1")
	if b.Score != 15 {
		t.Errorf("expected 25-10=15 after 10 min, got %d", b.Score)
	}
	if b.Tier != TierLow {
		t.Errorf("expected LOW after decay, got %s", b.Tier)
	}
}

func TestDecayFloorsAtZero(t *testing.T) {
	s, now := testScorer()

	// Score 40, idle 45 minutes: decays to 0, tier back to LOW.
	s.Flag("cust_1", FlagPaymentFailure, "") // 25
	s.Flag("cust_1", FlagHeaderConflict, "") // +15 = 40
	*now = now.Add(45 * time.Minute)

	b, _ := s.Get("cust_1")
	if b.Score != 0 {
		t.Errorf("expected score 0 after 45 idle minutes, got %d", b.Score)
	}
	if b.Tier != TierLow {
		t.Errorf("expected LOW, got %s", b.Tier)
	}
}

func TestDecayAppliedBeforeNewPoints(t *testing.T) {
	s, now := testScorer()

	s.Flag("cust_1", FlagPaymentFailure, "") // 25
	*now = now.Add(20 * time.Minute)

	// 25 - 20 = 5, then +10.
	b := s.Flag("cust_1", FlagFailedLogin, "")
	if b.Score != 15 {
		t.Errorf("expected 15, got %d", b.Score)
	}
}

func TestDecayKeepsFractionalRemainder(t *testing.T) {
	s, now := testScorer()

	s.Flag("cust_1", FlagPaymentFailure, "") // 25

	// 90 seconds: one whole minute decays, 30s carries over.
	*now = now.Add(90 * time.Second)
	b, _ := s.Get("cust_1")
	if b.Score != 24 {
		t.Errorf("expected 24 after 90s, got %d", b.Score)
	}

	// Another 30s completes the second minute.
	*now = now.Add(30 * time.Second)
	b, _ = s.Get("cust_1")
	if b.Score != 23 {
		t.Errorf("expected 23 after 120s total, got %d", b.Score)
	}
}

func TestAssessUnknownActorIsLow(t *testing.T) {
	s, _ := testScorer()
	if tier := s.Assess("nobody"); tier != TierLow {
		t.Errorf("expected LOW for unknown actor, got %s", tier)
	}
	// Assess must not create a record.
	if _, tracked := s.Get("nobody"); tracked {
		t.Error("Assess must not create records")
	}
}

func TestSweepEvictsIdleRecords(t *testing.T) {
	s, now := testScorer()

	s.Flag("idle_actor", FlagFailedLogin, "")
	*now = now.Add(12 * time.Hour)
	s.Flag("active_actor", FlagFailedLogin, "")
	*now = now.Add(13 * time.Hour)

	evicted := s.Sweep(24*time.Hour, 24*time.Hour)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, tracked := s.Get("idle_actor"); tracked {
		t.Error("idle actor should have been evicted")
	}
	if _, tracked := s.Get("active_actor"); !tracked {
		t.Error("active actor should have survived the sweep")
	}
}

func TestSweepPrunesStaleFlags(t *testing.T) {
	s, now := testScorer()

	s.Flag("cust_1", FlagFailedLogin, "old")
	*now = now.Add(30 * time.Hour)
	s.Flag("cust_1", FlagFailedLogin, "fresh")

	s.Sweep(48*time.Hour, 24*time.Hour)

	b, _ := s.Get("cust_1")
	if len(b.Flags) != 1 || b.Flags[0].Detail != "fresh" {
		t.Errorf("expected only the fresh flag, got %+v", b.Flags)
	}
}

func TestConcurrentFlagsDoNotCorruptScore(t *testing.T) {
	s := NewScorer()

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Flag("cust_1", FlagFailedLogin, "")
		}()
	}
	wg.Wait()

	b, _ := s.Get("cust_1")
	// All flags land within well under a minute, so no decay applies.
	if b.Score != workers*10 {
		t.Errorf("expected %d, got %d", workers*10, b.Score)
	}
	if len(b.Flags) != workers {
		t.Errorf("expected %d flags, got %d", workers, len(b.Flags))
	}
}
