package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/recetas/chat-app/loadtest/client"
	"github.com/recetas/chat-app/loadtest/stats"
)

// runSaturate opens a number of idle chat sessions and holds them while
// counting drops. Every session loads history and holds a share of the feed
// and typing subscriptions, so this measures the gateway's session capacity
// rather than raw socket capacity.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	sessions := fs.Int("connections", 1000, "Number of sessions to open")
	prefix := fs.String("user-prefix", "lt-idle", "User id prefix (development authenticator)")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all sessions are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d sessions to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*sessions, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		URL:         *url,
		Users:       *sessions,
		Prefix:      *prefix,
		Ramp:        *ramp,
		Concurrency: *concurrency,
	}, collector)

	dropped := 0
	if !interrupted {
		fmt.Printf("\n--- Hold phase ---\nHolding %d sessions for %s...\n", len(clients), *hold)
		dropped = holdOpen(ctx, clients, *hold)
	}

	closeAll(clients)
	if dropped > 0 {
		fmt.Printf("\nSessions dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// holdOpen waits for d, reporting every five seconds how many clients are
// still connected. It returns the number that dropped.
func holdOpen(ctx context.Context, clients []*client.Client, d time.Duration) int {
	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	countDropped := func() int {
		dropped := 0
		for _, c := range clients {
			if !c.Alive() {
				dropped++
			}
		}
		return dropped
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return countDropped()
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return countDropped()
		case <-status.C:
			dropped := countDropped()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", len(clients)-dropped, len(clients), dropped)
		}
	}
}
