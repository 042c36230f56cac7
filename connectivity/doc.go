// Package connectivity holds the call-resilience primitives used for the ad
// engine's outbound calls: a RetryPolicy value object (attempt budget,
// linear backoff, jitter) and a CircuitBreaker.
//
// Both are plain values with injectable clocks and sleepers, so timeout and
// retry behaviour is unit-testable without a network.
package connectivity
