// Package dedupe provides a bounded TTL set. The relay uses it to ignore
// transport redeliveries of the same event and to notice media fragments that
// arrive after their group was already flushed.
package dedupe
