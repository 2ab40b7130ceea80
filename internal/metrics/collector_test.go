package metrics

import (
	"testing"

	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/market"
	"github.com/rickgao/mdregistry/internal/model"
	"github.com/rickgao/mdregistry/internal/service"
)

func TestCollector(t *testing.T) {
	c := NewCollector(Sources{
		Registry: func() market.Stats {
			return market.Stats{Securities: 3, BboQuotes: 10, BookQuotes: 4}
		},
		Service: func() service.Stats {
			return service.Stats{
				Sessions:      2,
				Subscriptions: map[model.MarketDataType]int{model.BboQuoteType: 5},
				Dropped:       7,
			}
		},
		Cache: func() map[model.MarketDataType]histstore.CacheStats {
			return map[model.MarketDataType]histstore.CacheStats{
				model.TimeAndSaleType: {Hits: 8, Misses: 2, Blocks: 1},
			}
		},
	})

	families, err := NewRegistry(c).Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}

	tests := []struct {
		key  string
		want float64
	}{
		{"mdregistry_registry_securities", 3},
		{"mdregistry_registry_published_total,data_type=BBO_QUOTE", 10},
		{"mdregistry_registry_published_total,data_type=BOOK_QUOTE", 4},
		{"mdregistry_service_sessions", 2},
		{"mdregistry_service_subscriptions,data_type=BBO_QUOTE", 5},
		{"mdregistry_service_subscriptions,data_type=ORDER_IMBALANCE", 0},
		{"mdregistry_service_dropped_total", 7},
		{"mdregistry_store_cache_lookups_total,data_type=TIME_AND_SALE,result=hit", 8},
		{"mdregistry_store_cache_lookups_total,data_type=TIME_AND_SALE,result=miss", 2},
		{"mdregistry_store_cache_blocks,data_type=TIME_AND_SALE", 1},
	}
	for _, tt := range tests {
		got, ok := values[tt.key]
		if !ok {
			t.Errorf("%s missing", tt.key)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.key, got, tt.want)
		}
	}

	if _, ok := values["mdregistry_feed_sources"]; ok {
		t.Error("mdregistry_feed_sources exported without a router source")
	}
}
