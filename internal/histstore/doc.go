// Package histstore persists sequenced market data and serves historical
// queries.
//
// Every store implements DataStore[T] for one market data type. Stores
// compose by wrapping:
//
//	durable := histstore.NewPostgresStore[model.BboQuote](pool, model.BboQuoteType, logger)
//	buffered := histstore.NewBuffered(durable, bufferedCfg, logger)
//	cached := histstore.NewSessionCached(buffered, cachedCfg, logger)
//
// Buffered batches writes in the background and keeps unflushed values
// visible to Load. SessionCached keeps a bounded set of per-index blocks in
// memory and serves covered reads without touching the wrapped store.
//
// HistoricalDataStore bundles one store per data type.
package histstore
