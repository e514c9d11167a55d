package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

type loadConfig struct {
	URL               string `env:"TARGET_URL,default=http://localhost:8080/api/email/send"`
	RequestsPerSecond int    `env:"REQUESTS_PER_SECOND,default=500"`
	DurationSeconds   int    `env:"DURATION_SECONDS,default=30"`
	ConcurrentWorkers int    `env:"CONCURRENT_WORKERS,default=100"`
	APIKey            string `env:"API_KEY"`
	Recipient         string `env:"RECIPIENT,default=loadtest@example.com"`
	Idempotent        bool   `env:"IDEMPOTENCY_KEYS,default=false"`
}

type sendPayload struct {
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	Category string   `json:"category"`
}

type stats struct {
	accepted atomic.Int64
	errored  atomic.Int64

	mu    sync.Mutex
	times []time.Duration
}

func (s *stats) record(d time.Duration, ok bool) {
	if ok {
		s.accepted.Add(1)
	} else {
		s.errored.Add(1)
	}
	s.mu.Lock()
	s.times = append(s.times, d)
	s.mu.Unlock()
}

func (s *stats) sorted() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.times))
	copy(out, s.times)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func send(client *fasthttp.Client, cfg loadConfig, payload []byte, st *stats) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-API-Key", cfg.APIKey)
	if cfg.Idempotent {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	req.SetBody(payload)

	start := time.Now()
	err := client.DoTimeout(req, resp, time.Minute)
	st.record(time.Since(start), err == nil && resp.StatusCode() == fasthttp.StatusAccepted)
}

func main() {
	var cfg loadConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	payload, err := json.Marshal(sendPayload{
		To:       []string{cfg.Recipient},
		Subject:  "Load test",
		Body:     "Hello from the load test",
		Category: "loadtest",
	})
	if err != nil {
		panic(err)
	}

	fmt.Println("Starting load test...")
	fmt.Printf("Target: %s\n", cfg.URL)
	fmt.Printf("Total requests: %d\n", cfg.RequestsPerSecond*cfg.DurationSeconds)
	fmt.Printf("Target RPS: %d\n", cfg.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", cfg.ConcurrentWorkers)
	fmt.Println(strings.Repeat("-", 50))

	client := &fasthttp.Client{
		MaxConnsPerHost:     cfg.ConcurrentWorkers,
		MaxIdleConnDuration: 90 * time.Second,
	}
	st := &stats{}
	jobs := make(chan struct{}, cfg.RequestsPerSecond)

	var wg sync.WaitGroup
	for i := 0; i < cfg.ConcurrentWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				send(client, cfg, payload, st)
			}
		}()
	}

	start := time.Now()
	for sec := 0; sec < cfg.DurationSeconds; sec++ {
		batchStart := time.Now()
		for j := 0; j < cfg.RequestsPerSecond; j++ {
			jobs <- struct{}{}
		}
		ok, bad := st.accepted.Load(), st.errored.Load()
		fmt.Printf("[%ds] Completed: %d | Accepted: %d | Errors: %d\n", sec+1, ok+bad, ok, bad)
		if elapsed := time.Since(batchStart); elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	ok, bad := st.accepted.Load(), st.errored.Load()
	total := ok + bad
	times := st.sorted()
	var sum time.Duration
	for _, t := range times {
		sum += t
	}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Total requests: %d\n", total)
	fmt.Printf("Accepted: %d\n", ok)
	fmt.Printf("Failed: %d\n", bad)
	if total > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(ok)/float64(total)*100)
		fmt.Printf("\nActual RPS: %.2f\n", float64(total)/elapsed.Seconds())
	}
	if len(times) > 0 {
		fmt.Printf("\nResponse times:\n")
		fmt.Printf("  Average: %v\n", sum/time.Duration(len(times)))
		fmt.Printf("  P50: %v\n", percentile(times, 0.50))
		fmt.Printf("  P95: %v\n", percentile(times, 0.95))
		fmt.Printf("  P99: %v\n", percentile(times, 0.99))
		fmt.Printf("  Min: %v\n", times[0])
		fmt.Printf("  Max: %v\n", times[len(times)-1])
	}
}
