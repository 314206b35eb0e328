// Package mediagroup turns the fragments of a multi-part message (an album
// of photos, say) into one logical message.
//
// Fragments are buffered per (sender, group id). A buffer flushes when a
// fragment marked last arrives, when no fragment arrives within the
// inactivity window, or when a size bound is hit. Each buffer has one timer
// scheduled on a clock.Clock; the timer callback only flushes if the buffer
// is still the one it was armed for and no fragment arrived since, so a
// timed flush and an explicit completion can never both emit the group.
//
// A fragment that arrives after its group was flushed starts a new group and
// is logged. Buffers are in memory only.
package mediagroup
