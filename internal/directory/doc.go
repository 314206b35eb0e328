// Package directory maps end users to their thread in the admin space.
//
// ResolveOrCreate is safe under concurrent first contact: callers for the
// same user share one singleflight call that re-reads the store before
// asking the network to open a thread, so exactly one thread is created.
// If the network refuses, nothing is stored and ErrThreadCreationFailed is
// returned; the next inbound message simply tries again.
//
// Blocking is a flag on the user and never deletes history. Closing a thread
// keeps it live but refuses the user until it is reopened; Forget archives it
// so the next message opens a fresh one.
package directory
