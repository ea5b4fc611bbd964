// Benchmark tool for replaying labelled callback requests against txpolicy.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/requests.csv -url http://localhost:8000
//
// This tool:
//  1. Reads callback requests with their expected action (APPROVE/REJECT)
//  2. Sends each one to /v2/tx_sign_request, signed when -key is given
//  3. Compares the answered action with the expected one
//  4. Reports the agreement matrix, latency and throughput
//
// CSV columns (header required, any order): txId, operation, asset, amountUSD,
// sourceId, destId, expected. Missing optional columns take defaults.
package main

import (
	"bytes"
	"crypto/rsa"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Request is one labelled callback.
type Request struct {
	TxID      string
	Operation string
	Asset     string
	AmountUSD float64
	SourceID  string
	DestID    string
	Expected  string
}

// Metrics tracks benchmark results.
type Metrics struct {
	ExpectedRejectGotReject   int64
	ExpectedApproveGotReject  int64
	ExpectedApproveGotApprove int64
	ExpectedRejectGotApprove  int64

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled request CSV")
	baseURL := flag.String("url", "http://localhost:8000", "txpolicy base URL")
	keyPath := flag.String("key", "", "Co-signer private key (PEM) used to sign requests; empty sends plain JSON")
	limit := flag.Int("limit", 10000, "Maximum requests to send (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each request result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/requests.csv [-url http://localhost:8000] [-key cosigner.pem]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var signer *rsa.PrivateKey
	if *keyPath != "" {
		pemBytes, err := os.ReadFile(*keyPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read key: %v\n", err)
			os.Exit(1)
		}
		signer, err = jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			fmt.Printf("ERROR: Failed to parse key: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|             TXPOLICY BENCHMARK - Callback Replay              |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Signed:      %v\n", signer != nil)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: txpolicy not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure txpolicy is running:")
		fmt.Println("  TXPOLICY_AUTH_DISABLED=true go run cmd/txpolicy/main.go")
		os.Exit(1)
	}
	fmt.Println("txpolicy is healthy")

	requests, err := readRequests(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d requests\n", len(requests))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(requests, *baseURL, signer, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readRequests(path string, limit int) ([]Request, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["amountusd"]; !ok {
		return nil, fmt.Errorf("missing amountUSD column")
	}

	get := func(record []string, col, def string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) || record[i] == "" {
			return def
		}
		return record[i]
	}

	var requests []Request
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(get(record, "amountusd", ""), 64)
		if err != nil {
			continue
		}

		requests = append(requests, Request{
			TxID:      get(record, "txid", uuid.New().String()),
			Operation: get(record, "operation", "TRANSFER"),
			Asset:     get(record, "asset", "ETH"),
			AmountUSD: amount,
			SourceID:  get(record, "sourceid", "0"),
			DestID:    get(record, "destid", "1"),
			Expected:  strings.ToUpper(get(record, "expected", "APPROVE")),
		})

		if limit > 0 && len(requests) >= limit {
			break
		}
	}

	return requests, nil
}

func runBenchmark(requests []Request, baseURL string, signer *rsa.PrivateKey, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Request, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for req := range work {
				start := time.Now()
				action, err := sendRequest(client, baseURL, signer, req)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", req.TxID, err)
					}
					continue
				}

				rejected := action == "REJECT"
				expectReject := req.Expected == "REJECT"

				switch {
				case rejected && expectReject:
					atomic.AddInt64(&metrics.ExpectedRejectGotReject, 1)
				case rejected && !expectReject:
					atomic.AddInt64(&metrics.ExpectedApproveGotReject, 1)
				case !rejected && !expectReject:
					atomic.AddInt64(&metrics.ExpectedApproveGotApprove, 1)
				default:
					atomic.AddInt64(&metrics.ExpectedRejectGotApprove, 1)
				}

				if verbose {
					mark := "ok "
					if rejected != expectReject {
						mark = "MISMATCH"
					}
					fmt.Printf("%-8s %-36s | Op: %-13s | %-6s | $%12.2f | expected %-7s got %s\n",
						mark, req.TxID, req.Operation, req.Asset, req.AmountUSD, req.Expected, action)
				}
			}
		}()
	}

	for _, req := range requests {
		work <- req
	}
	close(work)

	wg.Wait()

	return metrics
}

func sendRequest(client *http.Client, baseURL string, signer *rsa.PrivateKey, req Request) (string, error) {
	payload := map[string]any{
		"txId":       req.TxID,
		"requestId":  uuid.New().String(),
		"operation":  req.Operation,
		"asset":      req.Asset,
		"amountStr":  strconv.FormatFloat(req.AmountUSD, 'f', -1, 64),
		"sourceType": "VAULT",
		"sourceId":   req.SourceID,
		"destType":   "VAULT",
		"destId":     req.DestID,
		"destinations": []map[string]any{
			{"amountUSD": req.AmountUSD, "dstType": "VAULT", "dstId": req.DestID, "dstSubType": "INTERNAL"},
		},
	}

	var body []byte
	contentType := "application/json"
	if signer != nil {
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(payload)).SignedString(signer)
		if err != nil {
			return "", err
		}
		body = []byte(token)
		contentType = "text/plain"
	} else {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return "", err
		}
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/v2/tx_sign_request", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	// Signed answers are not verified here; only the action is read.
	var result struct {
		Action string `json:"action"`
	}
	if signer != nil {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(string(respBody), claims); err != nil {
			return "", err
		}
		action, _ := claims["action"].(string)
		return action, nil
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", err
	}
	return result.Action, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nAGREEMENT MATRIX\n")
	fmt.Println("                         Answered")
	fmt.Println("                    REJECT     APPROVE")
	fmt.Printf("   Expected REJECT  %8d   %8d\n", m.ExpectedRejectGotReject, m.ExpectedRejectGotApprove)
	fmt.Printf("           APPROVE  %8d   %8d\n", m.ExpectedApproveGotReject, m.ExpectedApproveGotApprove)

	agreed := m.ExpectedRejectGotReject + m.ExpectedApproveGotApprove
	total := agreed + m.ExpectedRejectGotApprove + m.ExpectedApproveGotReject
	if total > 0 {
		fmt.Printf("\n   Agreement:        %.4f\n", float64(agreed)/float64(total))
	}
	if m.ExpectedRejectGotApprove > 0 {
		fmt.Printf("   Approved but expected REJECT: %d\n", m.ExpectedRejectGotApprove)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", tps)
	}

	fmt.Println()
}
