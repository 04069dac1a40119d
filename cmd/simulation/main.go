package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ecoswap/ecoswap-api/internal/types"
)

var items = []string{"Bicycle", "Guitar", "Python book", "Desk lamp", "Camping tent", "Board game", "Coffee grinder", "Rain jacket"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency for one API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// simulationClient talks to a running EcoSwap API and records per-route
// latency.
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
	order []string
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   make(map[string]*routeStats),
	}
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	rs, ok := sc.stats[route]
	if !ok {
		rs = &routeStats{name: route}
		sc.stats[route] = rs
		sc.order = append(sc.order, route)
	}
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call sends body as JSON and decodes the data field of the response
// envelope into out.
func (sc *simulationClient) call(route, method, path, token string, headers map[string]string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := sc.client.Do(req)
	if err != nil {
		sc.record(route, time.Since(start), true)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	failed := err != nil || resp.StatusCode >= http.StatusBadRequest
	sc.record(route, time.Since(start), failed)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("%s failed to decode response: %w, body: %s", route, err, string(respBody))
	}
	if failed {
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%s was rate limited; start the server with RATE_LIMIT_AUTH_PER_MINUTE=0 RATE_LIMIT_DEFAULT_PER_MINUTE=0", route)
		}
		if env.Error != nil {
			return fmt.Errorf("%s failed with status %d: %s", route, resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("%s failed with status %d", route, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

type account struct {
	user  types.User
	token string
	item  types.Publication
}

// signUp registers, logs in and publishes one item.
func (sc *simulationClient) signUp(worker, n int) (*account, error) {
	tag := uuid.NewString()[:8]
	email := fmt.Sprintf("sim-%d-%d-%s@ecoswap.test", worker, n, tag)
	password := "Simulat10n"

	acc := &account{}
	if err := sc.call("register", http.MethodPost, "/api/v1/users/register", "", nil, map[string]string{
		"name":     fmt.Sprintf("Sim %d-%d", worker, n),
		"email":    email,
		"phone":    fmt.Sprintf("9%09d", rand.Intn(1_000_000_000)),
		"password": password,
		"address":  "Simulation street",
	}, &acc.user); err != nil {
		return nil, err
	}

	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := sc.call("login", http.MethodPost, "/api/v1/users/login", "", nil, map[string]string{
		"email":    email,
		"password": password,
	}, &session); err != nil {
		return nil, err
	}
	acc.token = session.AccessToken

	title := items[rand.Intn(len(items))]
	if err := sc.call("publish", http.MethodPost, "/api/v1/publications", acc.token, nil, map[string]string{
		"title":       title,
		"description": "Posted by the load simulation",
	}, &acc.item); err != nil {
		return nil, err
	}
	return acc, nil
}

type outcome struct {
	accepted  bool
	cancelled bool
	rated     int
}

// barter runs one full exchange between two fresh accounts.
func (sc *simulationClient) barter(worker, n int) (outcome, error) {
	var out outcome

	owner, err := sc.signUp(worker, 2*n)
	if err != nil {
		return out, err
	}
	proposer, err := sc.signUp(worker, 2*n+1)
	if err != nil {
		return out, err
	}

	var sent struct {
		Exchange types.Exchange `json:"exchange"`
	}
	idempotency := map[string]string{"Idempotency-Key": uuid.NewString()}
	offer := map[string]uint{"requested_item_id": owner.item.ID, "offered_item_id": proposer.item.ID}
	if err := sc.call("send offer", http.MethodPost, "/api/v1/exchanges/send", proposer.token, idempotency, offer, &sent); err != nil {
		return out, err
	}
	// A retried request must return the same exchange.
	var replay struct {
		Exchange types.Exchange `json:"exchange"`
	}
	if err := sc.call("send offer (retry)", http.MethodPost, "/api/v1/exchanges/send", proposer.token, idempotency, offer, &replay); err != nil {
		return out, err
	}
	if replay.Exchange.ID != sent.Exchange.ID {
		return out, fmt.Errorf("idempotent retry created exchange %d, want %d", replay.Exchange.ID, sent.Exchange.ID)
	}

	var incoming []types.Exchange
	if err := sc.call("list exchanges", http.MethodGet, "/api/v1/exchanges?status=pending", owner.token, nil, nil, &incoming); err != nil {
		return out, err
	}

	status := "ACCEPTED"
	if rand.Intn(4) == 0 {
		status = "REJECTED"
	}
	if err := sc.call("respond", http.MethodPost, "/api/v1/exchanges/respond", owner.token, nil, map[string]interface{}{
		"exchange_id": sent.Exchange.ID,
		"status":      status,
	}, nil); err != nil {
		return out, err
	}
	if status != "ACCEPTED" {
		return out, nil
	}
	out.accepted = true

	if rand.Intn(3) == 0 {
		if err := sc.call("cancel", http.MethodPost, "/api/v1/exchanges/cancel", proposer.token, nil, map[string]interface{}{
			"exchange_id": sent.Exchange.ID,
			"reason":      "changed my mind",
		}, nil); err != nil {
			return out, err
		}
		out.cancelled = true
		return out, nil
	}

	for _, reviewer := range []*account{owner, proposer} {
		if err := sc.call("rate", http.MethodPost, "/api/v1/rating/rate", reviewer.token, nil, map[string]interface{}{
			"exchange_id": sent.Exchange.ID,
			"rating":      rand.Intn(5) + 1,
			"comment":     "simulated review",
		}, nil); err != nil {
			return out, err
		}
		out.rated++
	}

	if err := sc.call("reputation", http.MethodGet, fmt.Sprintf("/api/v1/rating/reputation/%d", owner.user.ID), owner.token, nil, nil, nil); err != nil {
		return out, err
	}
	return out, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, route := range sc.order {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

// main drives the barter flow end to end against a running server
func main() {
	addr := pflag.String("addr", "http://localhost:8080", "base URL of the EcoSwap API")
	workers := pflag.IntP("workers", "w", 5, "number of concurrent workers")
	perWorker := pflag.IntP("exchanges", "n", 10, "exchanges per worker")
	debug := pflag.Bool("debug", false, "log every response body")
	pflag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	simClient := newSimulationClient(*addr)
	log.Info().Str("addr", *addr).Int("workers", *workers).Int("per_worker", *perWorker).Msg("Starting simulation")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		summary struct {
			total, failed, accepted, cancelled, ratings int
		}
	)
	started := time.Now()

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < *perWorker; i++ {
				res, err := simClient.barter(workerID, i)

				mu.Lock()
				summary.total++
				if err != nil {
					summary.failed++
				}
				if res.accepted {
					summary.accepted++
				}
				if res.cancelled {
					summary.cancelled++
				}
				summary.ratings += res.rated
				mu.Unlock()

				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Msg("Exchange flow failed")
					continue
				}
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(w)
	}
	wg.Wait()

	duration := time.Since(started)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ECOSWAP SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Exchange flows:   %d
Failed flows:     %d
Accepted:         %d
Cancelled:        %d
Ratings:          %d
Duration:         %v
`, summary.total, summary.failed, summary.accepted, summary.cancelled, summary.ratings, duration.Round(time.Millisecond))

	log.Info().
		Int("flows", summary.total).
		Int("failed", summary.failed).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}
