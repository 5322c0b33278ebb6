package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		BanDuration:       time.Hour,
		MaxViolations:     5,
	}
}

func TestNewLimiterAppliesDefaults(t *testing.T) {
	limiter := NewLimiter(Config{})
	defer limiter.Stop()

	if limiter.config.RequestsPerSecond <= 0 {
		t.Error("RequestsPerSecond should have a default")
	}
	if limiter.config.BurstSize <= 0 {
		t.Error("BurstSize should have a default")
	}
	if limiter.config.CleanupInterval <= 0 {
		t.Error("CleanupInterval should have a default")
	}
	if limiter.config.BanDuration <= 0 {
		t.Error("BanDuration should have a default")
	}
	if limiter.config.MaxViolations <= 0 {
		t.Error("MaxViolations should have a default")
	}
}

func TestLimiterAllowWithinBurst(t *testing.T) {
	cfg := testConfig()
	cfg.BurstSize = 10
	cfg.MaxViolations = 100

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.1"
	for i := 0; i < 10; i++ {
		if !limiter.Allow(peer) {
			t.Errorf("request %d should be allowed within burst", i)
		}
	}
}

func TestLimiterAllowBeyondBurst(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1
	cfg.BurstSize = 2
	cfg.MaxViolations = 100

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.2"
	limiter.Allow(peer)
	limiter.Allow(peer)

	if limiter.Allow(peer) {
		t.Error("request beyond burst should be throttled")
	}
}

func TestLimiterAllowN(t *testing.T) {
	cfg := testConfig()
	cfg.BurstSize = 10
	cfg.MaxViolations = 100

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.3"
	if !limiter.AllowN(peer, 5) {
		t.Error("AllowN(5) should be allowed")
	}
	if !limiter.AllowN(peer, 5) {
		t.Error("AllowN(5) should be allowed at the burst boundary")
	}
	if limiter.AllowN(peer, 5) {
		t.Error("AllowN(5) beyond burst should be denied")
	}
}

func TestLimiterBansAfterRepeatedRateLimitTrips(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1
	cfg.BurstSize = 1
	cfg.MaxViolations = 3

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.4"
	limiter.Allow(peer)
	for i := 0; i < 3; i++ {
		limiter.Allow(peer)
	}

	if !limiter.IsBanned(peer) {
		t.Error("peer should be banned after repeated trips past MaxViolations")
	}
	if limiter.Allow(peer) {
		t.Error("banned peer should be denied")
	}
}

func TestLimiterPenalizeBansImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.MaxViolations = 3

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.5"

	// A single malformed-create penalty (weight 3) should reach the
	// threshold in one call, unlike an ordinary rate-limit trip.
	limiter.Penalize(peer, 3)

	if !limiter.IsBanned(peer) {
		t.Error("peer should be banned immediately once Penalize crosses MaxViolations")
	}
}

func TestLimiterPenalizeAccumulates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxViolations = 5

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.6"

	limiter.Penalize(peer, 2)
	if limiter.IsBanned(peer) {
		t.Fatal("peer should not be banned before crossing MaxViolations")
	}
	if got := limiter.Violations(peer); got != 2 {
		t.Errorf("Violations() = %d, want 2", got)
	}

	limiter.Penalize(peer, 3)
	if !limiter.IsBanned(peer) {
		t.Error("peer should be banned once accumulated penalties cross MaxViolations")
	}
}

func TestLimiterIsBannedInitiallyFalse(t *testing.T) {
	limiter := NewLimiter(testConfig())
	defer limiter.Stop()

	if limiter.IsBanned("203.0.113.7") {
		t.Error("peer should not be banned initially")
	}
}

func TestLimiterBanAndUnban(t *testing.T) {
	limiter := NewLimiter(testConfig())
	defer limiter.Stop()

	peer := "203.0.113.8"

	limiter.Ban(peer, time.Hour)
	if !limiter.IsBanned(peer) {
		t.Error("peer should be banned after Ban()")
	}
	if limiter.Allow(peer) {
		t.Error("banned peer should be denied")
	}

	limiter.Unban(peer)
	if limiter.IsBanned(peer) {
		t.Error("peer should not be banned after Unban()")
	}
}

func TestLimiterReset(t *testing.T) {
	limiter := NewLimiter(testConfig())
	defer limiter.Stop()

	peer := "203.0.113.9"

	limiter.Allow(peer)
	limiter.Ban(peer, time.Hour)
	limiter.Reset(peer)

	if !limiter.Allow(peer) {
		t.Error("peer should be able to make requests again after Reset()")
	}
	if limiter.IsBanned(peer) {
		t.Error("peer should not be banned after Reset()")
	}
}

func TestLimiterStats(t *testing.T) {
	limiter := NewLimiter(testConfig())
	defer limiter.Stop()

	stats := limiter.Stats()
	if stats.ActiveLimiters != 0 || stats.BannedIPs != 0 {
		t.Fatalf("initial Stats() = %+v, want zero value", stats)
	}

	limiter.Allow("203.0.113.10")
	limiter.Allow("203.0.113.11")
	limiter.Ban("203.0.113.12", time.Hour)

	stats = limiter.Stats()
	if stats.ActiveLimiters != 2 {
		t.Errorf("ActiveLimiters = %d, want 2", stats.ActiveLimiters)
	}
	if stats.BannedIPs != 1 {
		t.Errorf("BannedIPs = %d, want 1", stats.BannedIPs)
	}
}

func TestLimiterViolationsResetOnSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 100
	cfg.BurstSize = 2
	cfg.MaxViolations = 10

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.13"

	limiter.Allow(peer)
	limiter.Allow(peer)
	limiter.Allow(peer) // trips the bucket, one violation recorded

	if got := limiter.Violations(peer); got != 1 {
		t.Fatalf("Violations() = %d, want 1", got)
	}

	time.Sleep(50 * time.Millisecond)

	if !limiter.Allow(peer) {
		t.Fatal("request should be allowed once the bucket refills")
	}
	if got := limiter.Violations(peer); got != 0 {
		t.Errorf("Violations() = %d, want 0 after a successful request", got)
	}
}

func TestLimiterBanExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupInterval = time.Second

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.14"
	limiter.Ban(peer, 50*time.Millisecond)

	if !limiter.IsBanned(peer) {
		t.Fatal("peer should be banned immediately after Ban()")
	}

	time.Sleep(100 * time.Millisecond)

	if limiter.IsBanned(peer) {
		t.Error("ban should have expired")
	}
	if !limiter.Allow(peer) {
		t.Error("peer should be able to make requests again once the ban expires")
	}
}

func TestLimiterTracksIndependentPeers(t *testing.T) {
	cfg := testConfig()
	cfg.BurstSize = 5

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peers := []string{"203.0.113.15", "203.0.113.16", "203.0.113.17"}

	for _, peer := range peers {
		for i := 0; i < 5; i++ {
			if !limiter.Allow(peer) {
				t.Errorf("request from %s should be allowed within its own burst", peer)
			}
		}
	}

	for _, peer := range peers {
		if limiter.Allow(peer) {
			t.Errorf("request from %s beyond its burst should be denied", peer)
		}
	}
}

func TestLimiterConcurrentAccess(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1000
	cfg.BurstSize = 100
	cfg.MaxViolations = 100

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.18"

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				limiter.Allow(peer)
			}
		}()
	}
	wg.Wait()

	_ = limiter.Stats() // should not have raced or panicked
}

func TestLimiterStopUnblocksCleanup(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupInterval = 10 * time.Millisecond

	limiter := NewLimiter(cfg)

	done := make(chan struct{})
	go func() {
		limiter.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Stop() took too long")
	}
}

func BenchmarkAllow(b *testing.B) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 10000
	cfg.BurstSize = 1000

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.19"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(peer)
	}
}

func BenchmarkPenalize(b *testing.B) {
	cfg := testConfig()
	cfg.MaxViolations = 1 << 20

	limiter := NewLimiter(cfg)
	defer limiter.Stop()

	peer := "203.0.113.20"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Penalize(peer, 1)
	}
}
