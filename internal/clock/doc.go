// Package clock abstracts time so retry backoff and media group timers can be
// driven deterministically in tests.
package clock
