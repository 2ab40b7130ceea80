// Package service is the registry service: it owns client sessions and
// their entitlements, answers snapshot and historical queries, keeps live
// subscriptions, and fans published market data out to them.
//
// Every published value flows through the market registry first, which
// assigns its sequence. The service then stores it and delivers it to each
// entitled subscriber's outbox. Outboxes are bounded, so a slow subscriber
// only ever loses its own updates.
package service
