// feedsim publishes simulated market data into a registry's feed endpoint,
// or watches a ticker through the client endpoint.
//
// Usage:
//
//	go run ./cmd/feedsim --url ws://localhost:7001/feed --rate 200
//	go run ./cmd/feedsim --watch TD.TSX --country CA --client-url ws://localhost:7002/client --account ops
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/mdregistry/internal/connection"
)

func main() {
	url := flag.String("url", "ws://localhost:7001/feed", "feed endpoint URL")
	conns := flag.Int("connections", 2, "feed connections to open")
	tickers := flag.String("tickers", "TD.TSX:CA:80.00,RY.TSX:CA:140.00,AAPL.XNAS:US:190.00",
		"instruments as SYMBOL.VENUE:COUNTRY:PRICE, comma separated")
	rate := flag.Int("rate", 50, "batches per second")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")

	watch := flag.String("watch", "", "ticker to watch instead of publishing (SYMBOL.VENUE)")
	country := flag.String("country", "", "country of the watched ticker")
	dataType := flag.String("type", "BBO_QUOTE", "data type to watch")
	clientURL := flag.String("client-url", "ws://localhost:7002/client", "client endpoint URL")
	account := flag.String("account", "ops", "account to watch as")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var err error
	if *watch != "" {
		err = runWatch(ctx, watchConfig{
			URL:      *clientURL,
			Account:  *account,
			Index:    *watch,
			Country:  *country,
			DataType: *dataType,
			Verbose:  *verbose,
		}, logger)
	} else {
		err = runPublish(ctx, publishConfig{
			URL:         *url,
			Connections: *conns,
			Tickers:     *tickers,
			Rate:        *rate,
			Seed:        *seed,
		}, logger)
	}
	if err != nil {
		logger.Error("feedsim failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

type publishConfig struct {
	URL         string
	Connections int
	Tickers     string
	Rate        int
	Seed        uint64
}

func runPublish(ctx context.Context, cfg publishConfig, logger *slog.Logger) error {
	instruments, err := parseInstruments(cfg.Tickers)
	if err != nil {
		return err
	}
	if cfg.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", cfg.Rate)
	}
	sim := newSimulator(instruments, cfg.Seed)

	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.URL = cfg.URL
	mgrCfg.Connections = cfg.Connections
	mgr := connection.NewManager(mgrCfg, logger)

	logger.Info("starting connection manager", "url", cfg.URL, "connections", cfg.Connections)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		mgr.Stop(shutdownCtx)
	}()

	tick := time.NewTicker(time.Second / time.Duration(cfg.Rate))
	defer tick.Stop()
	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	logger.Info("publishing - press Ctrl+C to stop", "instruments", len(instruments), "rate", cfg.Rate)

	var batches, failed int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stats.C:
			s := mgr.Stats()
			logger.Info("stats",
				"batches", batches,
				"failed", failed,
				"connected", s.ConnectedCount,
				"reconnects", s.Reconnects,
			)
		case now := <-tick.C:
			data, err := encodeBatch(sim.next(now))
			if err != nil {
				return err
			}
			if err := mgr.Publish(data); err != nil {
				failed++
				continue
			}
			batches++
		}
	}
}

type watchConfig struct {
	URL      string
	Account  string
	Index    string
	Country  string
	DataType string
	Verbose  bool
}

func runWatch(ctx context.Context, cfg watchConfig, logger *slog.Logger) error {
	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = cfg.URL
	clientCfg.Account = cfg.Account
	client := connection.NewClient(clientCfg, logger)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	req, err := json.Marshal(connection.Request{
		ID:       1,
		Op:       connection.OpQuery,
		DataType: cfg.DataType,
		Index:    cfg.Index,
		Country:  cfg.Country,
		Limit:    &connection.LimitParam{Kind: "tail", Size: 10},
	})
	if err != nil {
		return err
	}
	if err := client.Send(req); err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-client.Errors():
			return err
		case msg := <-client.Messages():
			printFrame(msg, cfg.Verbose, logger)
		}
	}
}

func printFrame(msg connection.TimestampedMessage, verbose bool, logger *slog.Logger) {
	if verbose {
		fmt.Printf("[%s] %s\n", msg.ReceivedAt.Format(time.TimeOnly), msg.Data)
		return
	}

	var f connection.Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		logger.Warn("unreadable frame", "error", err)
		return
	}
	switch f.Type {
	case "update":
		fmt.Printf("[UPDATE] query=%d %s %s %s\n", f.QueryID, f.DataType, f.Index, compact(f.Value))
	case "error":
		fmt.Printf("[ERROR] request=%d %s\n", f.ID, f.Error)
	default:
		fmt.Printf("[RESULT] request=%d %s\n", f.ID, compact(f.Result))
	}
}

// compact shortens raw JSON for console output.
func compact(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 160 {
		return s[:157] + "..."
	}
	return s
}
