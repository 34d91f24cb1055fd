// Command tail follows a running bot's event stream and prints each event,
// one JSON line per event. Useful for watching a paper session live.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Reaper404-wag/russian-trading-bot/internal/feed"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "bot base URL")
	level := flag.String("level", "warn", "log level")
	flag.Parse()

	log := observ.NewLogger(*level, true)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := feed.NewClient(feed.ClientConfig{BaseURL: *baseURL}, log)
	for env := range client.Start(ctx) {
		fmt.Fprintf(os.Stdout, "%s %s %s\n", env.TS.Format("15:04:05"), env.Type, env.Payload)
	}
}
