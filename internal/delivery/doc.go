// Package delivery wraps every outbound chat API call with a timeout, send
// pacing, and a bounded retry budget.
//
// Transient and rate-limited failures are retried with exponential backoff
// (1s doubling to a 60s cap, three attempts in total by default). A server
// retry hint replaces the computed delay. Permanent failures surface at once.
// When the budget runs out the call returns ErrDeliveryFailed, a
// store.DeliveryFailure row is written, and the Reporter is told.
//
// Retry state lives in an explicit Backoff value advanced against a
// clock.Clock, so tests drive retries with clock.Fake and no real sleeping.
//
// Sessions come from a Pool bounded by the configured size. They are dialed
// lazily, and a session with three consecutive retryable failures is dropped
// at its next checkout.
package delivery
