// Benchmark tool for replaying labelled submissions against Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/submissions.csv -url http://localhost:8080
//
// The CSV carries one submission per row plus an is_fraud label. Each row is
// sent to /v1/_evaluate and the recommendation is compared with the label:
// anything other than APPROVE counts as a positive.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabelledSubmission is one row of the benchmark dataset.
type LabelledSubmission struct {
	Request domain.EvaluationRequest
	IsFraud bool
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64
	ManualReviews  int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled submissions CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	module := flag.String("module", "", "Module code (empty uses the server default)")
	scope := flag.String("scope", "FULL", "Evaluation scope: FULL, INTERNAL or EXTERNAL")
	limit := flag.Int("limit", 10000, "Maximum submissions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each submission result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/submissions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	path, err := endpointFor(*scope)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s%s\n", *baseURL, path)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	submissions, err := readSubmissions(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(submissions) == 0 {
		fmt.Println("ERROR: no submissions in CSV")
		os.Exit(1)
	}
	for i := range submissions {
		submissions[i].Request.ModuleCode = *module
	}

	fraudCount := 0
	for _, s := range submissions {
		if s.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d submissions (%d fraud, %d clean)\n", len(submissions), fraudCount, len(submissions)-fraudCount)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	client := &http.Client{Timeout: 10 * time.Second}
	startTime := time.Now()
	metrics := runBenchmark(context.Background(), submissions, func(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
		return evaluate(ctx, client, *baseURL+path, *tenantID, req)
	}, *workers, *verbose)

	printResults(metrics, time.Since(startTime))
}

func endpointFor(scope string) (string, error) {
	s, err := domain.ParseScope(scope)
	if err != nil {
		return "", err
	}
	switch s {
	case domain.ScopeInternalOnly:
		return "/v1/_evaluateSync", nil
	case domain.ScopeExternalOnly:
		return "/v1/_evaluateExternal", nil
	default:
		return "/v1/_evaluate", nil
	}
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

// readSubmissions parses the benchmark CSV. Columns are matched by header
// name, case-insensitively; only application_id and is_fraud are required.
func readSubmissions(r io.Reader, limit int) ([]LabelledSubmission, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"application_id", "is_fraud"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	col := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	float := func(record []string, name string) *float64 {
		v, err := strconv.ParseFloat(col(record, name), 64)
		if err != nil {
			return nil
		}
		return &v
	}

	var out []LabelledSubmission
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		req := domain.EvaluationRequest{
			ApplicationID: col(record, "application_id"),
			Applicant: domain.Applicant{
				ApplicantID:  col(record, "applicant_id"),
				Name:         col(record, "name"),
				MobileNumber: col(record, "mobile"),
				DeviceID:     col(record, "device_id"),
			},
		}
		if req.ApplicationID == "" {
			continue
		}

		if lat, lon := float(record, "latitude"), float(record, "longitude"); lat != nil && lon != nil {
			req.Location = &domain.Location{Latitude: lat, Longitude: lon}
		}

		if purpose := col(record, "evidence_purpose"); purpose != "" {
			ev := domain.Evidence{
				Purpose:     purpose,
				ContentHash: col(record, "content_hash"),
				Metadata: &domain.EvidenceMetadata{
					GPSLatitude:  float(record, "evidence_latitude"),
					GPSLongitude: float(record, "evidence_longitude"),
					DeviceID:     col(record, "device_id"),
				},
			}
			if ts, err := strconv.ParseInt(col(record, "captured_at"), 10, 64); err == nil {
				ev.Metadata.Timestamp = &ts
			}
			req.Evidences = append(req.Evidences, ev)
		}

		label := strings.ToLower(col(record, "is_fraud"))
		out = append(out, LabelledSubmission{
			Request: req,
			IsFraud: label == "1" || label == "true",
		})

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type evaluateFunc func(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResponse, error)

func runBenchmark(ctx context.Context, submissions []LabelledSubmission, eval evaluateFunc, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(numWorkers, 1))

	for _, s := range submissions {
		g.Go(func() error {
			start := time.Now()
			result, err := eval(ctx, s.Request)
			atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
			atomic.AddInt64(&metrics.TotalProcessed, 1)

			if err != nil {
				atomic.AddInt64(&metrics.TotalErrors, 1)
				if verbose {
					fmt.Printf("ERROR: %s -> %v\n", s.Request.ApplicationID, err)
				}
				return nil
			}
			metrics.record(s.IsFraud, result.Recommendation)

			if verbose {
				fmt.Printf("%-20s | Fraud: %-5v | %-13s (%3d) | Triggered: %d\n",
					s.Request.ApplicationID,
					s.IsFraud,
					result.Recommendation,
					result.TotalScore,
					result.Metadata.RulesTriggered,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return metrics
}

func (m *Metrics) record(actual bool, rec domain.Recommendation) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}
	if rec == domain.RecommendManualReview {
		atomic.AddInt64(&m.ManualReviews, 1)
	}

	predicted := rec != domain.RecommendApprove
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is the share of flagged submissions that were fraud.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of fraud that was flagged.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func evaluate(ctx context.Context, client *http.Client, url, tenantID string, req domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.EvaluationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Clean:      %d\n", m.TotalNonFraud)
	fmt.Printf("   Manual Reviews:   %d\n", m.ManualReviews)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                  FLAGGED    APPROVE")
	fmt.Printf("   Actual  F   %10d %10d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF   %10d %10d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", m.Precision())
	fmt.Printf("   Recall:     %.4f\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

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
