// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test clients. All methods are
// goroutine-safe.
type Collector struct {
	mu                sync.Mutex
	connectLatencies  []time.Duration
	sessionLatencies  []time.Duration
	deliveryLatencies []time.Duration
	sendResults       map[string]int
	errors            int
	connections       int
	startTime         time.Time
	scraper           *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), sendResults: make(map[string]int)}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a connection that reached session_created.
func (c *Collector) AddConnect(connect, session time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, connect)
	c.sessionLatencies = append(c.sessionLatencies, session)
	c.connections++
	c.mu.Unlock()
}

// AddDelivery records the time from a send to its arrival at one receiver.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatencies = append(c.deliveryLatencies, d)
	c.mu.Unlock()
}

// AddSendResult counts a send_result outcome ("ok" or the error code).
func (c *Collector) AddSendResult(result string) {
	c.mu.Lock()
	c.sendResults[result]++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// DeliveryCount returns the number of recorded deliveries.
func (c *Collector) DeliveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveryLatencies)
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)

	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:   %.2f%%\n", errorRate)
	}

	if len(c.sendResults) > 0 {
		fmt.Println("\n--- Send Results ---")
		keys := make([]string, 0, len(c.sendResults))
		for k := range c.sendResults {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-14s %d\n", k, c.sendResults[k])
		}
	}

	for _, section := range []struct {
		title string
		data  []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Session Latency", c.sessionLatencies},
		{"Delivery Latency", c.deliveryLatencies},
	} {
		if len(section.data) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n", section.title)
		fmt.Println("  " + Summarize(section.data).String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// Summary is a percentile distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes their distribution.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}
