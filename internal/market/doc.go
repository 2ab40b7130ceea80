// Package market holds the authoritative live state for every instrument and
// venue.
//
// The registry keeps one entry per instrument (keyed by symbol and country,
// independent of venue) and one per venue. Entries are created on first
// reference, with their next sequence numbers continued from history so a
// restart never reuses a sequence. Each entry has its own mutex; no lock is
// ever held across two entries or across I/O.
//
// Publish operations merge a value into its entry, assign the next sequence
// for its (index, data type) stream and, when the state changed, hand the
// sequenced value to a callback while still holding the entry lock. Callbacks
// must not block: they exist so callers can enqueue deliveries in sequence
// order.
//
// Book quotes are attributed to the feed connection (source) that published
// them. Clear retracts everything a source contributed when it disconnects.
package market
