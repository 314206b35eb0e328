// Package transport defines the chat network the relay runs on, independent
// of any one protocol.
//
// A Transport sends, copies, edits and deletes messages and manages threads in
// the admin space. Inbound traffic arrives as Event values from a listener
// owned by the concrete implementation (see transport/matrix).
//
// Errors returned by a Transport should be built with Transient, RateLimited
// or Permanent so the delivery layer can decide whether to retry. Classify
// falls back to treating network and deadline errors as transient and
// anything else as permanent.
package transport
