package loadclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sample holds the relay metrics read from one scrape.
type sample struct {
	at          time.Time
	connections float64
	identities  float64
	messages    float64 // all outcomes
	rateLimited float64
	presence    float64
	routeSum    float64
	routeCount  float64
}

// Scraper polls a relay /metrics endpoint while a test runs.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	samples []sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper polling url every interval.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start samples once immediately and then every interval until Stop or ctx
// ends. A final sample is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends sampling and waits for the final sample.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	smp, err := parseSample(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, smp)
	s.mu.Unlock()
}

// parseSample reads the Prometheus text format and keeps the relay series.
func parseSample(r io.Reader) (sample, error) {
	smp := sample{at: time.Now()}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "relay_connections":
			smp.connections = value
		case "relay_identities":
			smp.identities = value
		case "relay_messages_total":
			// One line per outcome label.
			smp.messages += value
		case "relay_rate_limited_total":
			smp.rateLimited = value
		case "relay_presence_broadcasts_total":
			smp.presence = value
		case "relay_route_latency_seconds_sum":
			smp.routeSum = value
		case "relay_route_latency_seconds_count":
			smp.routeCount = value
		}
	}
	return smp, scanner.Err()
}

// parseMetricLine splits `name{labels} value` or `name value`, dropping the
// labels.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if open := strings.IndexByte(raw, '{'); open != -1 {
		closing := strings.IndexByte(raw[open:], '}')
		if closing == -1 {
			return "", 0, false
		}
		name = raw[:open]
		raw = name + raw[open+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	// A trailing timestamp is allowed; the value is the second field.
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak for each series.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d samples over %s\n",
		len(samples), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(sample) float64
	}{
		{"Connections", func(s sample) float64 { return s.connections }},
		{"Identities", func(s sample) float64 { return s.identities }},
		{"Routed", func(s sample) float64 { return s.messages }},
		{"Presence", func(s sample) float64 { return s.presence }},
		{"Rate Limited", func(s sample) float64 { return s.rateLimited }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, row := range rows {
		a, b := row.get(first), row.get(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n", row.label, a, b, b-a, peak(samples, row.get))
	}

	fmt.Fprintln(w)
	if n := last.routeCount - first.routeCount; n > 0 {
		avg := (last.routeSum - first.routeSum) / n
		fmt.Fprintf(w, "  %-16s avg: %.6fs  (%.0f observations)\n", "Route Latency", avg, n)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Route Latency")
	}
}

func peak(samples []sample, get func(sample) float64) float64 {
	p := math.Inf(-1)
	for _, s := range samples {
		if v := get(s); v > p {
			p = v
		}
	}
	return p
}
