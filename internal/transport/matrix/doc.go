// Package matrix implements the relay's chat transport on Matrix.
//
// End users talk to the bot in direct rooms. The admin space is a single
// room; a per-user thread is an m.thread rooted at a header event the bot
// posts, so a ThreadID is the root event id. Network owns the shared state,
// Session is one pooled sender, and Listen turns the sync stream into
// transport events.
package matrix
