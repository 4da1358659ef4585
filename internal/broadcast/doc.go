// Package broadcast implements the real-time market fan-out.
//
// A Hub owns three parts: a Registry of live connections, a SubscriptionIndex
// mapping assets to subscribed connections, and a Scheduler that runs while at
// least one connection is registered. Each scheduler tick broadcasts the top-N
// listing to everyone and a per-asset delta to that asset's subscribers.
// Structures are guarded by one mutex each; no lock is held across I/O.
package broadcast
