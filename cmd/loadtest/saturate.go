package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/loadclient"
)

// runSaturate ramps up to the requested number of logged-in connections,
// holds them and reports how many the server dropped.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Prometheus endpoint to sample, e.g. http://localhost:8080/metrics")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadclient.NewCollector()
	scraper := startScraper(ctx, collector, *metricsURL)

	var mu sync.Mutex
	clients := make([]*loadclient.Client, 0, *connections)
	var dropped atomic.Int64
	holding := make(chan struct{})

	// --- Ramp-up ---
	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(interval)
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := loadclient.New(dialCtx, *url, fmt.Sprintf("sat-%d", n))
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(dialCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()

			// A connection that ends during the hold phase was dropped.
			go func() {
				<-c.Done()
				select {
				case <-holding:
					if ctx.Err() == nil {
						dropped.Add(1)
					}
				default:
				}
			}()
		}(i)

		if (i+1)%100 == 0 {
			fmt.Printf("  launched %d/%d (connected=%d errors=%d)\n",
				i+1, *connections, collector.ConnectionCount(), collector.ErrorCount())
		}
	}
	ticker.Stop()
	wg.Wait()
	fmt.Printf("  ramp-up done: connected=%d errors=%d\n", collector.ConnectionCount(), collector.ErrorCount())

	// --- Hold ---
	if ctx.Err() == nil {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		close(holding)
		select {
		case <-ctx.Done():
		case <-time.After(*hold):
		}
		fmt.Printf("  dropped during hold: %d\n", dropped.Load())
	}

	// --- Teardown ---
	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	if scraper != nil {
		scraper.Stop()
	}
	collector.Report(os.Stdout, 0)
}
