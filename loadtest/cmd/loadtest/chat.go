package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/recetas/chat-app/loadtest/client"
	"github.com/recetas/chat-app/loadtest/stats"
)

const probePrefix = "lt|"

// probe encodes the sender and send time into the message content so any
// receiver can compute the delivery latency. It is padded to size runes.
func probe(sender string, at time.Time, size int) string {
	s := probePrefix + sender + "|" + strconv.FormatInt(at.UnixNano(), 10) + "|"
	if pad := size - len(s); pad > 0 {
		s += strings.Repeat("x", pad)
	}
	return s
}

// parseProbe returns the send time carried by content.
func parseProbe(content string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(content, probePrefix)
	if !ok {
		return time.Time{}, false
	}
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) < 3 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// runChat connects a room full of users and has each of them send at an
// interval. Every "message" frame a client receives is one delivery through
// the change feed; its latency is measured from the probe in the content.
// Sender and receivers run on this host so their clocks agree.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 20, "Number of users in the room")
	ramp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long users keep sending")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Size of each message in characters (the gateway rejects more than 500)")
	typing := fs.Bool("typing", true, "Send a few keystrokes before each message")
	prefix := fs.String("user-prefix", "lt-user", "User id prefix (development authenticator)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d users to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, *url, *ramp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var sentOK atomic.Int64

	handlers := func() map[string]func(json.RawMessage) {
		return map[string]func(json.RawMessage){
			client.TypeMessage: func(data json.RawMessage) {
				var f client.MessageFrame
				if err := json.Unmarshal(data, &f); err != nil {
					return
				}
				if at, ok := parseProbe(f.Message.Content); ok {
					collector.AddDelivery(time.Since(at))
				}
			},
			client.TypeSendResult: func(data json.RawMessage) {
				var f client.SendResultFrame
				if err := json.Unmarshal(data, &f); err != nil {
					return
				}
				if f.OK {
					sentOK.Add(1)
					collector.AddSendResult("ok")
					return
				}
				collector.AddSendResult(f.Code)
			},
		}
	}

	fmt.Println("\n--- Phase 1: Connect users ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		URL:         *url,
		Users:       *users,
		Prefix:      *prefix,
		Ramp:        *ramp,
		Concurrency: *concurrency,
		Handlers:    handlers,
	}, collector)

	// -----------------------------------------------------------------------
	// Phase 2: send
	// -----------------------------------------------------------------------
	if !interrupted {
		fmt.Printf("\n--- Phase 2: Chat for %s ---\n", *duration)

		chatCtx, cancel := context.WithTimeout(ctx, *duration)
		var wg sync.WaitGroup
		for _, c := range clients {
			wg.Add(1)
			go func(c *client.Client) {
				defer wg.Done()
				// Spread the first sends over one interval.
				select {
				case <-time.After(time.Duration(rand.Int63n(int64(*msgInterval) + 1))):
				case <-chatCtx.Done():
					return
				}
				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				for {
					if *typing {
						for k := 0; k < 3; k++ {
							_ = c.Typing()
						}
					}
					if err := c.SendChat(probe(c.UserID(), time.Now(), *msgSize)); err != nil {
						collector.AddError()
						return
					}
					select {
					case <-ticker.C:
					case <-chatCtx.Done():
						return
					}
				}
			}(c)
		}

		progress := time.NewTicker(5 * time.Second)
	progressLoop:
		for {
			select {
			case <-progress.C:
				fmt.Printf("  [chat] sent ok: %d  deliveries: %d  errors: %d\n",
					sentOK.Load(), collector.DeliveryCount(), collector.ErrorCount())
			case <-chatCtx.Done():
				break progressLoop
			}
		}
		progress.Stop()
		wg.Wait()
		cancel()

		// Let in-flight feed deliveries arrive.
		time.Sleep(2 * time.Second)

		expected := sentOK.Load() * int64(len(clients))
		fmt.Printf("\nDeliveries: %d of %d expected (%d accepted sends x %d users)\n",
			collector.DeliveryCount(), expected, sentOK.Load(), len(clients))
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}
