// streamtest connects to the upstream value feed and prints decoded events
// to the console.
// Usage: go run ./cmd/streamtest --url ws://localhost:8765/values
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jstrand/chainprice/internal/feed"
)

func main() {
	url := flag.String("url", "ws://localhost:8765/values", "feed websocket url")
	verbose := flag.Bool("verbose", false, "print every output value")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	dialer := feed.NewDialer(feed.DefaultConfig(*url), logger)
	client, err := dialer.Dial(ctx)
	if err != nil {
		logger.Error("failed to dial feed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	logger.Info("connected, streaming events", "url", *url)

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			stats := client.Stats()
			logger.Info("done",
				"received", stats.Received,
				"decoded", stats.Decoded,
				"malformed", stats.Malformed,
				"dropped", stats.Dropped,
			)
			return

		case err := <-client.Errors():
			logger.Error("connection lost", "error", err)
			os.Exit(1)

		case <-statsTicker.C:
			stats := client.Stats()
			logger.Info("stats",
				"received", stats.Received,
				"decoded", stats.Decoded,
				"malformed", stats.Malformed,
				"dropped", stats.Dropped,
			)

		case ev, ok := <-client.Events():
			if !ok {
				logger.Info("event channel closed")
				return
			}
			fmt.Printf("%s %s tx=%s window=%s values=%d\n",
				ev.Timestamp.Format(time.RFC3339),
				ev.Kind, ev.TxID, ev.Window, len(ev.Values),
			)
			if *verbose {
				for _, v := range ev.Values {
					fmt.Printf("  %s BTC\n", v.String())
				}
			}
		}
	}
}
