package resilience

import (
	"time"

	"github.com/sells-group/paradas/internal/config"
)

// FromSyncConfig builds the per-record retry policy from sync.* settings,
// falling back to defaults for unset values.
func FromSyncConfig(c config.SyncConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	return cfg
}

// CircuitFromSyncConfig builds the remote circuit breaker settings.
func CircuitFromSyncConfig(c config.SyncConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.CircuitThreshold > 0 {
		cfg.FailureThreshold = c.CircuitThreshold
	}
	if c.CircuitResetSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.CircuitResetSecs) * time.Second
	}
	return cfg
}
