// Package relay is the engine between end users and the agents' admin space.
//
// Every inbound event goes through Engine.Dispatch. Messages from a user's
// private chat are deduplicated, optionally gated by a first-contact
// challenge, grouped by the media group aggregator, throttled once per
// logical message, tied to the user's thread through the directory and
// forwarded into the thread. Group-room messages count only when they
// mention the bot. Messages an agent writes inside a thread travel the other way.
// Every forwarded message is recorded in the correlator so replies and edits
// can be mapped across, and the unread tracker counts what agents have not
// answered yet.
//
// Per-thread bookkeeping is serialized with a keylock.Map; no lock is held
// while an outbound call is in flight. Outbound calls go through a Sender,
// normally a *delivery.Client, which owns timeouts and retries.
//
// Admin commands (/clear, /broadcast, /block, /spam, ...) are text messages in
// the admin space from senders on the relay.admins allow-list. Slash text that
// is not a known command is relayed like any other message.
package relay
