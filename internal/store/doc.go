// Package store persists relay state in SQLite.
//
// # Data Models
//
//   - User: an end user, created on first contact. The blocked flag is owned
//     by agents and survives profile refreshes.
//   - Thread: the user's conversation in the admin space. At most one thread
//     per user is live (open or closed); archived threads are kept for history.
//   - MessageLink: ties a relayed message to its copy on the other side,
//     indexed on both ends for reply and edit routing.
//   - DeliveryFailure: an outbound call that exhausted its retries.
//
// SQLiteStore uses modernc.org/sqlite (pure Go) in WAL mode with a single
// connection. MockStore is an in-memory implementation with the same
// uniqueness rules, for tests.
package store
