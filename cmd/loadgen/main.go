// Command loadgen drives the gateway with paced chat completion traffic so
// admission behavior can be observed under contention.
//
// Usage examples:
//
//	loadgen -base=http://127.0.0.1:8080 -keys=4 -rps=50 -duration=30s -c=16
//	loadgen -base=http://127.0.0.1:8080 -keys=1 -rps=200 -duration=10s -max_tokens=300
//
// It prints per-status counts and approximate throughput on exit.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tokengate/tokengate/pkg/types"
)

func main() {
	var (
		base      = flag.String("base", "http://127.0.0.1:8080", "Base URL of the gateway")
		keys      = flag.Int("keys", 4, "Number of distinct API keys to rotate through")
		rps       = flag.Float64("rps", 50, "Target requests per second across all workers")
		duration  = flag.Duration("duration", 30*time.Second, "How long to run")
		conc      = flag.Int("c", 16, "Number of concurrent workers")
		maxTokens = flag.Int("max_tokens", 100, "max_tokens for each request")
		prompt    = flag.String("prompt", "Summarize the benefits of sliding window rate limiting.", "User message content")
	)
	flag.Parse()

	if *keys <= 0 || *conc <= 0 || *rps <= 0 {
		fmt.Fprintln(os.Stderr, "-keys, -c and -rps must be > 0")
		os.Exit(2)
	}

	body, err := json.Marshal(types.ChatRequest{
		Model:     "gpt-3.5-turbo",
		Messages:  []types.ChatMessage{{Role: "user", Content: *prompt}},
		MaxTokens: *maxTokens,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal request: %v\n", err)
		os.Exit(2)
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        *conc * 2,
			MaxIdleConnsPerHost: *conc * 2,
			IdleConnTimeout:     30 * time.Second,
		},
		Timeout: 10 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), *conc)
	endpoint := *base + "/v1/chat/completions"

	var (
		admitted int64
		denied   int64
		other    int64
		failed   int64
		seq      int64
	)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *conc; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				n := atomic.AddInt64(&seq, 1)
				apiKey := fmt.Sprintf("sk-loadgen-%d", n%int64(*keys))

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
				if err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				req.Header.Set("Authorization", "Bearer "+apiKey)
				req.Header.Set("Content-Type", "application/json")

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					atomic.AddInt64(&failed, 1)
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()

				switch resp.StatusCode {
				case http.StatusOK:
					atomic.AddInt64(&admitted, 1)
				case http.StatusTooManyRequests:
					atomic.AddInt64(&denied, 1)
				default:
					atomic.AddInt64(&other, 1)
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	total := admitted + denied + other + failed
	fmt.Printf("sent=%d admitted=%d denied=%d other=%d failed=%d in %s (%.1f req/s)\n",
		total, admitted, denied, other, failed,
		elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
}
