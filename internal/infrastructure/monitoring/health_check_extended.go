package monitoring

import (
	"context"
	"fmt"
	"time"

	"livebid/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSignalCheck reports the control channel unhealthy while disconnected or
// classified poor.
func (h *HealthChecker) AddSignalCheck(health func() domain.ConnectionHealth, interval time.Duration) {
	h.AddCheck("signal", func(ctx context.Context) (bool, error) {
		hc := health()
		if class := hc.Classification(); class == domain.HealthPoor {
			return false, fmt.Errorf("connection %s (connected=%t, failures=%d)", class, hc.Connected, hc.ConsecutiveFailures)
		}
		return true, nil
	}, interval, 0)
}

// AddBreakerCheck fails while open reports a tripped circuit.
func (h *HealthChecker) AddBreakerCheck(name string, open func() bool, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if open() {
			return false, fmt.Errorf("%s circuit open", name)
		}
		return true, nil
	}, interval, 0)
}

// AddReadinessCheck requires the control channel to be authenticated.
func (h *HealthChecker) AddReadinessCheck(authenticated func() bool) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		return authenticated(), nil
	}, 0, 0)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
