package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/recetas/chat-app/loadtest/client"
	"github.com/recetas/chat-app/loadtest/stats"
)

// rampConfig describes how users join.
type rampConfig struct {
	URL         string
	Users       int
	Prefix      string
	Ramp        time.Duration
	Concurrency int
	Handlers    func() map[string]func(json.RawMessage) // optional, one map per client
}

// rampUp connects cfg.Users users over cfg.Ramp and waits for each session
// to open. It returns the connected clients and whether ctx ended first.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	interval := cfg.Ramp / time.Duration(max(cfg.Users, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	concurrency := max(cfg.Concurrency, 1)

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, cfg.Users)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				n := collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] sessions: %d/%d  errors: %d  rate: %.1f/s\n",
					n, cfg.Users, collector.ErrorCount(), rate)
				last, lastTime = n, now
			case <-progressDone:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for i := 1; i <= cfg.Users; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			var handlers map[string]func(json.RawMessage)
			if cfg.Handlers != nil {
				handlers = cfg.Handlers()
			}
			c, err := client.Dial(connCtx, cfg.URL, fmt.Sprintf("%s-%d", cfg.Prefix, n), "", handlers)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency, m.SessionLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	close(progressDone)

	if interrupted {
		fmt.Println("\nInterrupted during ramp-up.")
	}
	fmt.Printf("\nRamp-up complete: %d/%d sessions in %s (%d errors)\n",
		len(clients), cfg.Users, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

func closeAll(clients []*client.Client) {
	fmt.Printf("\n--- Cleanup ---\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
