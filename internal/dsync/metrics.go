package dsync

import "time"

// Metrics receives sync and provider measurements.
type Metrics interface {
	// ProviderRequest records one HTTP or repository call and its status code
	// (0 when no response was received).
	ProviderRequest(provider, op string, status int, elapsed time.Duration)

	// ProviderRetry records a rate-limited call that will be retried after delay.
	ProviderRetry(provider string, delay time.Duration)

	// ItemProcessed records the outcome of one queue item.
	ItemProcessed(kind, op, outcome string)

	// PassCompleted records the end of one project's sync pass.
	PassCompleted(outcome string, elapsed time.Duration, remaining int)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) ProviderRequest(string, string, int, time.Duration) {}
func (NopMetrics) ProviderRetry(string, time.Duration)                {}
func (NopMetrics) ItemProcessed(string, string, string)               {}
func (NopMetrics) PassCompleted(string, time.Duration, int)           {}
