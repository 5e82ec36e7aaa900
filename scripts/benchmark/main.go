package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// CLI flags
var (
	apiURL = flag.String("api-url", "http://localhost:8080", "portalscrape API base URL")
	apiKey = flag.String("api-key", "", "API key for authenticated requests")
	runs   = flag.Int("runs", 3, "Number of runs per source for averaging")
	limit  = flag.Int("limit", 50, "Record limit per run")
	output = flag.String("output", "benchmark-results.json", "JSON output file path")
)

// Endpoints for the three sources. Runs are sequential because the server
// only executes one extraction at a time.
var sources = []struct {
	Label string
	Path  string
}{
	{"Call history", "/api/v1/call_history"},
	{"Voicemail", "/api/v1/voicemails"},
	{"Messages", "/api/v1/messages"},
}

// frame mirrors one NDJSON line of the extraction stream.
type frame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Count   int    `json:"count"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Benchmark result types ---

type runResult struct {
	Run           int    `json:"run"`
	TotalMs       int64  `json:"total_ms"`
	FirstRecordMs int64  `json:"first_record_ms"`
	Records       int    `json:"records"`
	Success       bool   `json:"success"`
	Busy          bool   `json:"busy"`
	Error         string `json:"error,omitempty"`
}

type sourceAverages struct {
	TotalMs       float64 `json:"total_ms"`
	FirstRecordMs float64 `json:"first_record_ms"`
	Records       float64 `json:"records"`
	MsPerRecord   float64 `json:"ms_per_record"`
}

type sourceResult struct {
	Label    string          `json:"label"`
	Path     string          `json:"path"`
	Runs     []runResult     `json:"runs"`
	Averages *sourceAverages `json:"averages,omitempty"`
}

type benchmarkReport struct {
	Timestamp     string         `json:"timestamp"`
	APIURL        string         `json:"api_url"`
	RunsPerSource int            `json:"runs_per_source"`
	Limit         int            `json:"limit"`
	Results       []sourceResult `json:"results"`
}

func main() {
	flag.Parse()

	fmt.Println("=== portalscrape benchmark ===")
	fmt.Printf("API URL:     %s\n", *apiURL)
	fmt.Printf("Runs/source: %d\n", *runs)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Output:      %s\n", *output)
	fmt.Println()

	// Quick connectivity check.
	if err := checkAPI(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		fmt.Fprintf(os.Stderr, "Make sure portalscrape is running\n")
		os.Exit(1)
	}

	report := benchmarkReport{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		APIURL:        *apiURL,
		RunsPerSource: *runs,
		Limit:         *limit,
	}

	for _, s := range sources {
		fmt.Printf("Benchmarking [%s] %s ...\n", s.Label, s.Path)
		sr := sourceResult{Label: s.Label, Path: s.Path}

		for i := 1; i <= *runs; i++ {
			fmt.Printf("  Run %d/%d ... ", i, *runs)
			rr := benchmarkSource(s.Path, i)
			switch {
			case rr.Success:
				fmt.Printf("OK  %dms  %d records (first after %dms)\n", rr.TotalMs, rr.Records, rr.FirstRecordMs)
			case rr.Busy:
				fmt.Printf("BUSY\n")
			default:
				fmt.Printf("FAILED: %s\n", rr.Error)
			}
			sr.Runs = append(sr.Runs, rr)
		}

		sr.Averages = computeAverages(sr.Runs)
		report.Results = append(report.Results, sr)
		fmt.Println()
	}

	printTable(report.Results)

	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func checkAPI(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// benchmarkSource streams one run and times the first data frame and the
// closing frame.
func benchmarkSource(path string, run int) runResult {
	rr := runResult{Run: run}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s%s?limit=%d", *apiURL, path, *limit), nil)
	if err != nil {
		rr.Error = fmt.Sprintf("request error: %v", err)
		return rr
	}
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	start := time.Now()
	client := &http.Client{Timeout: 15 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		rr.Error = fmt.Sprintf("request failed: %v", err)
		return rr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rr.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return rr
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var f frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			rr.Error = fmt.Sprintf("decode error: %v", err)
			return rr
		}
		switch {
		case f.Type == "data":
			if rr.Records == 0 {
				rr.FirstRecordMs = time.Since(start).Milliseconds()
			}
			rr.Records++
		case f.Type == "error":
			rr.Error = fmt.Sprintf("[%s] %s", f.Code, f.Message)
			rr.TotalMs = time.Since(start).Milliseconds()
			return rr
		case f.Status == "busy":
			rr.Busy = true
			return rr
		case f.Status == "completed":
			rr.TotalMs = time.Since(start).Milliseconds()
			rr.Success = f.Count == rr.Records
			if !rr.Success {
				rr.Error = fmt.Sprintf("completed count %d, saw %d records", f.Count, rr.Records)
			}
			return rr
		}
	}
	if err := sc.Err(); err != nil {
		rr.Error = fmt.Sprintf("read error: %v", err)
	} else {
		rr.Error = "stream ended without a closing frame"
	}
	return rr
}

func computeAverages(runs []runResult) *sourceAverages {
	var successCount int
	var avg sourceAverages

	for _, r := range runs {
		if !r.Success {
			continue
		}
		successCount++
		avg.TotalMs += float64(r.TotalMs)
		avg.FirstRecordMs += float64(r.FirstRecordMs)
		avg.Records += float64(r.Records)
	}

	if successCount == 0 {
		return nil
	}

	n := float64(successCount)
	avg.TotalMs /= n
	avg.FirstRecordMs /= n
	avg.Records /= n
	if avg.Records > 0 {
		avg.MsPerRecord = avg.TotalMs / avg.Records
	}
	return &avg
}

func printTable(results []sourceResult) {
	fmt.Println(strings.Repeat("─", 80))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Source\tAvg Total\tFirst Record\tRecords\tms/Record\n")
	fmt.Fprintf(w, "──────\t─────────\t────────────\t───────\t─────────\n")

	for _, r := range results {
		if r.Averages == nil {
			fmt.Fprintf(w, "%s\tFAILED\t-\t-\t-\n", r.Label)
			continue
		}
		fmt.Fprintf(w, "%s\t%dms\t%dms\t%.0f\t%.0f\n",
			r.Label,
			int64(r.Averages.TotalMs),
			int64(r.Averages.FirstRecordMs),
			r.Averages.Records,
			r.Averages.MsPerRecord,
		)
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 80))
}

func writeJSON(path string, report benchmarkReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
