package metrics

import "testing"

func TestCircuitCapacityCheck(t *testing.T) {
	cases := []struct {
		name    string
		current int
		max     int
		want    HealthStatus
	}{
		{"well under cap", 10, 100, HealthStatusHealthy},
		{"approaching cap", 91, 100, HealthStatusDegraded},
		{"at cap", 100, 100, HealthStatusUnhealthy},
		{"over cap", 101, 100, HealthStatusUnhealthy},
		{"zero cap configured", 0, 0, HealthStatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := CircuitCapacityCheck(func() int { return tc.current }, tc.max)
			if got := check().Status; got != tc.want {
				t.Errorf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDirectoryRegistryCheck(t *testing.T) {
	empty := DirectoryRegistryCheck(func() int { return 0 })
	if got := empty().Status; got != HealthStatusDegraded {
		t.Errorf("empty registry status = %s, want degraded", got)
	}

	populated := DirectoryRegistryCheck(func() int { return 3 })
	if got := populated().Status; got != HealthStatusHealthy {
		t.Errorf("populated registry status = %s, want healthy", got)
	}
}

func TestMemoryCheckHealthyAgainstGenerousCeiling(t *testing.T) {
	check := MemoryCheck(1 << 40) // 1 TiB, far above any test process's heap
	if got := check().Status; got != HealthStatusHealthy {
		t.Errorf("status = %s, want healthy", got)
	}
}

func TestMemoryCheckDegradedAgainstTinyCeiling(t *testing.T) {
	check := MemoryCheck(1) // 1 byte: any live process exceeds this
	if got := check().Status; got != HealthStatusDegraded {
		t.Errorf("status = %s, want degraded", got)
	}
}

func TestHealthCheckerAggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("a", AlwaysHealthy("fine"))
	hc.RegisterCheck("b", func() HealthCheck {
		return HealthCheck{Status: HealthStatusDegraded, Message: "meh"}
	})

	resp := hc.Check()
	if resp.Status != HealthStatusDegraded {
		t.Errorf("aggregate status = %s, want degraded", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("len(Checks) = %d, want 2", len(resp.Checks))
	}

	hc.RegisterCheck("c", func() HealthCheck {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "broken"}
	})
	if got := hc.Check().Status; got != HealthStatusUnhealthy {
		t.Errorf("aggregate status = %s, want unhealthy once any check is unhealthy", got)
	}
}
