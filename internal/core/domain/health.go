package domain

import "time"

type HealthClass string

const (
	HealthExcellent HealthClass = "excellent"
	HealthGood      HealthClass = "good"
	HealthFair      HealthClass = "fair"
	HealthPoor      HealthClass = "poor"
)

// FailureThreshold is the number of consecutive request failures that forces poor health.
const FailureThreshold = 3

type ConnectionHealth struct {
	RTT                 time.Duration `json:"rtt"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Connected           bool          `json:"connected"`
}

// Classification is derived from the other fields only.
func (h ConnectionHealth) Classification() HealthClass {
	switch {
	case !h.Connected, h.ConsecutiveFailures >= FailureThreshold:
		return HealthPoor
	case h.RTT < 50*time.Millisecond:
		return HealthExcellent
	case h.RTT < 150*time.Millisecond:
		return HealthGood
	default:
		return HealthFair
	}
}
