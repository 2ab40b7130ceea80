package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/mdregistry/internal/connection"
	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/market"
	"github.com/rickgao/mdregistry/internal/model"
	"github.com/rickgao/mdregistry/internal/router"
	"github.com/rickgao/mdregistry/internal/service"
)

const namespace = "mdregistry"

// Sources are the stats the collector reads on every scrape. Nil sources
// are skipped.
type Sources struct {
	Registry func() market.Stats
	Service  func() service.Stats
	Router   func() router.RouterStats
	Feed     func() connection.FeedStats
	Clients  func() connection.ClientStats
	Buffered func() map[model.MarketDataType]histstore.BufferedStats
	Cache    func() map[model.MarketDataType]histstore.CacheStats
}

// Collector is a prometheus.Collector over Sources.
type Collector struct {
	src Sources

	securities    *prometheus.Desc
	venues        *prometheus.Desc
	published     *prometheus.Desc
	bookNoops     *prometheus.Desc
	cleared       *prometheus.Desc
	loadErrors    *prometheus.Desc
	sessions      *prometheus.Desc
	subscriptions *prometheus.Desc
	delivered     *prometheus.Desc
	dropped       *prometheus.Desc
	disconnected  *prometheus.Desc
	storeErrors   *prometheus.Desc
	denied        *prometheus.Desc
	sources       *prometheus.Desc
	messages      *prometheus.Desc
	feedErrors    *prometheus.Desc
	connections   *prometheus.Desc
	requests      *prometheus.Desc
	pending       *prometheus.Desc
	flushed       *prometheus.Desc
	retries       *prometheus.Desc
	lost          *prometheus.Desc
	cacheLookups  *prometheus.Desc
	evictions     *prometheus.Desc
	blocks        *prometheus.Desc
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// NewCollector creates a collector reading src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,

		securities: desc("registry", "securities", "Securities held by the registry."),
		venues:     desc("registry", "venues", "Venues held by the registry."),
		published:  desc("registry", "published_total", "Values published, by data type.", "data_type"),
		bookNoops:  desc("registry", "book_noops_total", "Book updates that changed nothing."),
		cleared:    desc("registry", "cleared_total", "Book quotes removed when their source went away."),
		loadErrors: desc("registry", "load_errors_total", "Failed initial sequence loads."),

		sessions:      desc("service", "sessions", "Open client sessions."),
		subscriptions: desc("service", "subscriptions", "Live subscriptions, by data type.", "data_type"),
		delivered:     desc("service", "delivered_total", "Updates queued to sessions."),
		dropped:       desc("service", "dropped_total", "Updates discarded from full outboxes."),
		disconnected:  desc("service", "disconnected_total", "Sessions closed for falling behind."),
		storeErrors:   desc("service", "store_errors_total", "Failed historical writes."),
		denied:        desc("service", "denied_queries_total", "Queries refused for lack of entitlement."),

		sources:     desc("feed", "sources", "Active feed sources."),
		messages:    desc("feed", "messages_total", "Feed messages, by outcome.", "outcome"),
		feedErrors:  desc("feed", "frame_errors_total", "Feed frames that failed to decode or publish."),
		connections: desc("transport", "connections", "Open WebSocket connections, by endpoint.", "endpoint"),
		requests:    desc("client", "requests_total", "Client requests, by outcome.", "outcome"),

		pending:      desc("store", "pending", "Buffered values not yet durable, by data type.", "data_type"),
		flushed:      desc("store", "flushed_total", "Values written to the durable store, by data type.", "data_type"),
		retries:      desc("store", "flush_retries_total", "Flush retries, by data type.", "data_type"),
		lost:         desc("store", "lost_total", "Values lost to permanent store failures, by data type.", "data_type"),
		cacheLookups: desc("store", "cache_lookups_total", "Session cache lookups, by data type and result.", "data_type", "result"),
		evictions:    desc("store", "cache_evictions_total", "Session cache block evictions, by data type.", "data_type"),
		blocks:       desc("store", "cache_blocks", "Cached blocks, by data type.", "data_type"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.securities, c.venues, c.published, c.bookNoops, c.cleared, c.loadErrors,
		c.sessions, c.subscriptions, c.delivered, c.dropped, c.disconnected, c.storeErrors, c.denied,
		c.sources, c.messages, c.feedErrors, c.connections, c.requests,
		c.pending, c.flushed, c.retries, c.lost, c.cacheLookups, c.evictions, c.blocks,
	} {
		ch <- d
	}
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v int64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Registry != nil {
		s := c.src.Registry()
		gauge(ch, c.securities, float64(s.Securities))
		gauge(ch, c.venues, float64(s.Venues))
		counter(ch, c.published, s.BboQuotes, model.BboQuoteType.String())
		counter(ch, c.published, s.MarketQuotes, model.MarketQuoteType.String())
		counter(ch, c.published, s.BookQuotes, model.BookQuoteType.String())
		counter(ch, c.published, s.TimeAndSales, model.TimeAndSaleType.String())
		counter(ch, c.published, s.OrderImbalances, model.OrderImbalanceType.String())
		counter(ch, c.bookNoops, s.BookNoops)
		counter(ch, c.cleared, s.Cleared)
		counter(ch, c.loadErrors, s.LoadErrors)
	}

	if c.src.Service != nil {
		s := c.src.Service()
		gauge(ch, c.sessions, float64(s.Sessions))
		for _, t := range model.AllMarketDataTypes {
			gauge(ch, c.subscriptions, float64(s.Subscriptions[t]), t.String())
		}
		counter(ch, c.delivered, s.Delivered)
		counter(ch, c.dropped, s.Dropped)
		counter(ch, c.disconnected, s.Disconnected)
		counter(ch, c.storeErrors, s.StoreErrors)
		counter(ch, c.denied, s.DeniedQueries)
	}

	if c.src.Router != nil {
		s := c.src.Router()
		gauge(ch, c.sources, float64(s.SourcesActive))
		counter(ch, c.messages, s.MessagesRouted, "routed")
		counter(ch, c.messages, s.ParseErrors, "parse_error")
		counter(ch, c.messages, s.UnknownMessages, "unknown")
		counter(ch, c.messages, s.PublishErrors, "publish_error")
	}

	if c.src.Feed != nil {
		s := c.src.Feed()
		gauge(ch, c.connections, float64(s.Active), "feed")
		counter(ch, c.feedErrors, s.FrameErrors)
	}

	if c.src.Clients != nil {
		s := c.src.Clients()
		gauge(ch, c.connections, float64(s.Active), "client")
		counter(ch, c.requests, s.Requests-s.RequestErrors, "ok")
		counter(ch, c.requests, s.RequestErrors, "error")
	}

	if c.src.Buffered != nil {
		for t, s := range c.src.Buffered() {
			gauge(ch, c.pending, float64(s.Pending), t.String())
			counter(ch, c.flushed, s.Flushed, t.String())
			counter(ch, c.retries, s.Retries, t.String())
			counter(ch, c.lost, s.Dropped, t.String())
		}
	}

	if c.src.Cache != nil {
		for t, s := range c.src.Cache() {
			counter(ch, c.cacheLookups, s.Hits, t.String(), "hit")
			counter(ch, c.cacheLookups, s.Misses, t.String(), "miss")
			counter(ch, c.evictions, s.Evictions, t.String())
			gauge(ch, c.blocks, float64(s.Blocks), t.String())
		}
	}
}

// NewRegistry returns a Prometheus registry holding c and the Go runtime
// and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
