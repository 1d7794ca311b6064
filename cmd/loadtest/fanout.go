package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/loadclient"
	"github.com/whisper/relay/internal/protocol"
)

// bodyPrefix marks load test messages; the send time follows in unix nanos.
// The digits trip the char_flood and phone rules, so run fanout against a
// server without CONTENT_FILTER.
const bodyPrefix = "lt "

// runFanout logs in N users, has the first S of them broadcast M messages
// each at a fixed rate and measures send-to-receive latency at every user.
func runFanout(args []string) {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Prometheus endpoint to sample, e.g. http://localhost:8080/metrics")
	users := fs.Int("users", 100, "Number of logged-in users")
	senders := fs.Int("senders", 10, "How many of the users broadcast")
	messages := fs.Int("messages", 20, "Messages per sender")
	rate := fs.Duration("interval", 500*time.Millisecond, "Delay between one sender's messages")
	drain := fs.Duration("drain", 5*time.Second, "How long to wait for deliveries after the last send")
	fs.Parse(args)

	if *senders > *users {
		*senders = *users
	}
	fmt.Printf("Fanout test: %d users, %d senders x %d messages to %s\n", *users, *senders, *messages, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadclient.NewCollector()
	scraper := startScraper(ctx, collector, *metricsURL)

	// --- Connect ---
	fmt.Println("\n--- Connect phase ---")
	clients := make([]*loadclient.Client, 0, *users)
	for i := 0; i < *users && ctx.Err() == nil; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := loadclient.New(dialCtx, *url, fmt.Sprintf("fan-%d", i))
		if err == nil {
			err = c.WaitForSession(dialCtx)
		}
		cancel()
		if err != nil {
			collector.AddError()
			continue
		}
		collector.AddConnect(c.Metrics().ConnectLatency)
		c.On(protocol.TypeReceiveMessage, func(raw json.RawMessage) {
			if d, ok := latencyOf(raw); ok {
				collector.AddDelivery(d)
			}
		})
		c.On(protocol.TypeRateLimited, func(json.RawMessage) { collector.AddError() })
		clients = append(clients, c)
	}
	fmt.Printf("  connected=%d errors=%d\n", len(clients), collector.ErrorCount())

	// Let the last presence broadcasts settle before measuring.
	time.Sleep(time.Second)

	// --- Send ---
	fmt.Println("\n--- Send phase ---")
	active := *senders
	if active > len(clients) {
		active = len(clients)
	}
	var wg sync.WaitGroup
	for _, c := range clients[:active] {
		wg.Add(1)
		go func(c *loadclient.Client) {
			defer wg.Done()
			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			for m := 0; m < *messages; m++ {
				body := bodyPrefix + strconv.FormatInt(time.Now().UnixNano(), 10)
				if err := c.SendText(body, ""); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(c)
	}
	wg.Wait()

	// --- Drain ---
	fmt.Printf("\n--- Drain phase (%s) ---\n", *drain)
	select {
	case <-ctx.Done():
	case <-time.After(*drain):
	}
	fmt.Printf("  delivered=%d errors=%d\n", collector.DeliveryCount(), collector.ErrorCount())

	for _, c := range clients {
		c.Close()
	}
	if scraper != nil {
		scraper.Stop()
	}
	// Broadcasts include the sender, so every user receives every message.
	collector.Report(os.Stdout, active * *messages * len(clients))
}

// latencyOf extracts the send time embedded by runFanout.
func latencyOf(raw json.RawMessage) (time.Duration, bool) {
	var m protocol.ReceiveMessageMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false
	}
	if !strings.HasPrefix(m.Message, bodyPrefix) {
		return 0, false
	}
	ns, err := strconv.ParseInt(strings.TrimPrefix(m.Message, bodyPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}

// startScraper samples metricsURL into collector's report. It returns nil
// when no URL is configured.
func startScraper(ctx context.Context, collector *loadclient.Collector, metricsURL string) *loadclient.Scraper {
	if metricsURL == "" {
		return nil
	}
	scraper := loadclient.NewScraper(metricsURL, 2*time.Second)
	scraper.Start(ctx)
	collector.SetScraper(scraper)
	return scraper
}
