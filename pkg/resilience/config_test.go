package resilience

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", config.Timeout)
	}
	if config.CircuitBreaker.MaxRequests != 1 {
		t.Errorf("Expected MaxRequests 1, got %d", config.CircuitBreaker.MaxRequests)
	}
	if config.CircuitBreaker.Timeout != 10*time.Second {
		t.Errorf("Expected breaker timeout 10s, got %v", config.CircuitBreaker.Timeout)
	}
	if config.CircuitBreaker.ReadyToTrip == nil {
		t.Fatal("Expected ReadyToTrip function to be set")
	}

	if config.CircuitBreaker.ReadyToTrip(Counts{ConsecutiveFailures: 4}) {
		t.Error("Should not trip with 4 failures")
	}
	if !config.CircuitBreaker.ReadyToTrip(Counts{ConsecutiveFailures: 5}) {
		t.Error("Should trip with 5 failures")
	}
}

func TestConfig_With(t *testing.T) {
	config := DefaultConfig()

	changed := config.WithTimeout(time.Second).WithCircuitBreakerTimeout(time.Minute)

	if changed.Timeout != time.Second {
		t.Errorf("WithTimeout: got %v", changed.Timeout)
	}
	if changed.CircuitBreaker.Timeout != time.Minute {
		t.Errorf("WithCircuitBreakerTimeout: got %v", changed.CircuitBreaker.Timeout)
	}
	if config.Timeout != 2*time.Second {
		t.Error("With* must not modify the receiver")
	}
}
