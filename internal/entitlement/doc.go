// Package entitlement decides which market data an account may receive.
//
// A Database holds one Entry per account group. Each Entry grants a set of
// market data types per Key, where a Key pairs the venue an instrument is
// listed on (destination) with the venue the data originates from (source).
//
// Sessions resolve their account's groups into an immutable Set once, at
// accept time, and check every query and book-quote delivery against it:
//
//	set := entitlement.Resolve(db, account.Groups)
//	if set.Has(entitlement.NewKey(ticker.Venue), model.BboQuoteType) { ... }
//
// Anything not granted is denied.
package entitlement
