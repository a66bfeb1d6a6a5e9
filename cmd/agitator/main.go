// Package main - agitator
// Load generator for stress testing: logs in a handful of sessions and has
// many concurrent WebSocket viewers spam trigger and resolve commands.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config for the agitator
type Config struct {
	ServerURL      string
	Username       string
	Password       string
	NumSessions    int
	NumClients     int
	ActionInterval time.Duration
	TestDuration   time.Duration
}

// Stats tracks performance metrics
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	Dashboards       int64
	Rejections       int64
	Errors           int64
	Latencies        []time.Duration
	mu               sync.Mutex
}

var responses = []string{"DoNothing", "SendRobot", "SendHuman", "CheckRemotely"}

func main() {
	serverURL := flag.String("url", "http://localhost:8080", "Server base URL")
	username := flag.String("user", "admin", "Login username")
	password := flag.String("password", "", "Login password")
	numSessions := flag.Int("sessions", 5, "Number of sessions to log in")
	numClients := flag.Int("clients", 40, "Number of concurrent WebSocket viewers, spread across sessions")
	interval := flag.Duration("interval", 100*time.Millisecond, "Action interval per client")
	duration := flag.Duration("duration", 60*time.Second, "Test duration")
	flag.Parse()

	config := Config{
		ServerURL:      strings.TrimSuffix(*serverURL, "/"),
		Username:       *username,
		Password:       *password,
		NumSessions:    *numSessions,
		NumClients:     *numClients,
		ActionInterval: *interval,
		TestDuration:   *duration,
	}

	fmt.Println("=========================================")
	fmt.Println("AGITATOR - Stress Test Tool")
	fmt.Println("=========================================")
	fmt.Printf("Server:   %s\n", config.ServerURL)
	fmt.Printf("Sessions: %d\n", config.NumSessions)
	fmt.Printf("Clients:  %d\n", config.NumClients)
	fmt.Printf("Interval: %v\n", config.ActionInterval)
	fmt.Printf("Duration: %v\n", config.TestDuration)
	fmt.Println("=========================================")

	ctx, cancel := context.WithTimeout(context.Background(), config.TestDuration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupt received, stopping...")
		cancel()
	}()

	tokens, err := loginAll(ctx, config)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}

	stats := runStressTest(ctx, config, tokens)
	printResults(stats, config)

	for _, token := range tokens {
		_ = logout(config, token)
	}
}

func loginAll(ctx context.Context, config Config) ([]string, error) {
	body, _ := json.Marshal(map[string]string{"username": config.Username, "password": config.Password})

	tokens := make([]string, 0, config.NumSessions)
	for i := 0; i < config.NumSessions; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.ServerURL+"/api/login", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		var out struct {
			Token string `json:"token"`
			Error string `json:"error"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("session %d: %s (%d)", i, out.Error, resp.StatusCode)
		}
		tokens = append(tokens, out.Token)
	}
	return tokens, nil
}

func logout(config Config, token string) error {
	req, err := http.NewRequest(http.MethodPost, config.ServerURL+"/api/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func runStressTest(ctx context.Context, config Config, tokens []string) *Stats {
	stats := &Stats{
		Latencies: make([]time.Duration, 0, 10000),
	}

	var wg sync.WaitGroup

	fmt.Println("\nStarting clients...")

	for i := 0; i < config.NumClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			runClient(ctx, clientID, tokens[clientID%len(tokens)], config, stats)
		}(i)

		// Stagger client starts to avoid thundering herd
		time.Sleep(10 * time.Millisecond)
	}

	fmt.Printf("All %d clients started\n\n", config.NumClients)

	// Progress updates
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sent := atomic.LoadInt64(&stats.MessagesSent)
				recv := atomic.LoadInt64(&stats.MessagesReceived)
				errs := atomic.LoadInt64(&stats.Errors)
				fmt.Printf("Progress: Sent=%d Recv=%d Errors=%d\n", sent, recv, errs)
			}
		}
	}()

	wg.Wait()
	return stats
}

func runClient(ctx context.Context, clientID int, token string, config Config, stats *Stats) {
	u, err := url.Parse(config.ServerURL + "/ws")
	if err != nil {
		log.Printf("Client %d: URL parse error: %v", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		log.Printf("Client %d: Connection failed: %v", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	defer conn.Close()

	// Start receiver goroutine
	go func() {
		for {
			var msg struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			atomic.AddInt64(&stats.MessagesReceived, 1)
			switch msg.Type {
			case "dashboard":
				atomic.AddInt64(&stats.Dashboards, 1)
			case "error":
				atomic.AddInt64(&stats.Rejections, 1)
			}
		}
	}()

	ticker := time.NewTicker(config.ActionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmd := generateRandomCommand()
			start := time.Now()

			if err := conn.WriteJSON(cmd); err != nil {
				atomic.AddInt64(&stats.Errors, 1)
				return
			}

			latency := time.Since(start)
			atomic.AddInt64(&stats.MessagesSent, 1)

			stats.mu.Lock()
			stats.Latencies = append(stats.Latencies, latency)
			stats.mu.Unlock()
		}
	}
}

func generateRandomCommand() map[string]string {
	// Mostly resolves, so budgets actually move.
	if rand.IntN(4) == 0 {
		return map[string]string{"type": "TRIGGER"}
	}
	return map[string]string{"type": "RESOLVE", "response": responses[rand.IntN(len(responses))]}
}

func printResults(stats *Stats, config Config) {
	fmt.Println("\n=========================================")
	fmt.Println("STRESS TEST RESULTS")
	fmt.Println("=========================================")

	sent := atomic.LoadInt64(&stats.MessagesSent)
	recv := atomic.LoadInt64(&stats.MessagesReceived)
	errs := atomic.LoadInt64(&stats.Errors)

	fmt.Printf("Messages Sent:     %d\n", sent)
	fmt.Printf("Messages Received: %d\n", recv)
	fmt.Printf("  Dashboards:      %d\n", atomic.LoadInt64(&stats.Dashboards))
	fmt.Printf("  Rejections:      %d\n", atomic.LoadInt64(&stats.Rejections))
	fmt.Printf("Errors:            %d\n", errs)
	fmt.Printf("Error Rate:        %.2f%%\n", float64(errs)/float64(sent+1)*100)

	throughput := float64(sent) / config.TestDuration.Seconds()
	fmt.Printf("Throughput:        %.2f msg/sec\n", throughput)

	stats.mu.Lock()
	latencies := stats.Latencies
	stats.mu.Unlock()
	if len(latencies) > 0 {
		var total time.Duration
		var min, max time.Duration = latencies[0], latencies[0]

		for _, l := range latencies {
			total += l
			if l < min {
				min = l
			}
			if l > max {
				max = l
			}
		}

		avg := total / time.Duration(len(latencies))

		fmt.Printf("\nWrite latency:\n")
		fmt.Printf("  Min: %v\n", min)
		fmt.Printf("  Avg: %v\n", avg)
		fmt.Printf("  Max: %v\n", max)
	}

	fmt.Println("\n-----------------------------------------")
	if errs == 0 {
		fmt.Println("TEST PASSED: System handled the load")
	} else if float64(errs)/float64(sent+1) < 0.05 {
		fmt.Println("TEST WARNING: Some errors detected")
	} else {
		fmt.Println("TEST FAILED: High error rate")
	}
	fmt.Println("=========================================")

	results := map[string]interface{}{
		"messages_sent":      sent,
		"messages_received":  recv,
		"errors":             errs,
		"throughput_per_sec": throughput,
		"config": map[string]interface{}{
			"sessions": config.NumSessions,
			"clients":  config.NumClients,
			"interval": config.ActionInterval.String(),
			"duration": config.TestDuration.String(),
		},
	}

	jsonData, _ := json.MarshalIndent(results, "", "  ")
	os.WriteFile("stress_test_results.json", jsonData, 0644)
	fmt.Println("\nResults saved to stress_test_results.json")
}
