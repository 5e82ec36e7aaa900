package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// document mirrors the aggregated extraction response.
type document struct {
	ScrapedAt   string            `json:"scraped_at"`
	Source      string            `json:"source"`
	Count       int               `json:"count"`
	Results     []json.RawMessage `json:"results"`
	CacheStatus string            `json:"cache_status"`
}

// errorResponse mirrors the API error body.
type errorResponse struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// healthResponse mirrors GET /api/v1/health.
type healthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Busy      bool   `json:"busy"`
	Version   string `json:"version"`
	PoolStats struct {
		MaxPages    int `json:"max_pages"`
		ActivePages int `json:"active_pages"`
	} `json:"pool_stats"`
}

type listingTool struct {
	name        string
	path        string
	description string
}

var listingTools = []listingTool{
	{"list_call_history", "/api/v1/call_history", "Extract recent calls from the phone portal's call history: caller, callee, dialed number, date, duration, release reason, QoS scores and recording links."},
	{"list_voicemails", "/api/v1/voicemails", "Extract voicemails from the phone portal: caller number and name, date, duration and audio links."},
	{"list_messages", "/api/v1/messages", "Extract chat/SMS messages from the phone portal: number, message text and time."},
}

func main() {
	apiURL := os.Getenv("PORTALSCRAPE_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("PORTALSCRAPE_API_KEY")

	s := newServer(strings.TrimRight(apiURL, "/"), apiKey)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func newServer(apiURL, apiKey string) *server.MCPServer {
	s := server.NewMCPServer(
		"portalscrape",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	// Runs walk paginated listings in a real browser; allow for it.
	client := &http.Client{Timeout: 10 * time.Minute}

	for _, lt := range listingTools {
		tool := mcp.NewTool(lt.name,
			mcp.WithDescription(lt.description+" Only one extraction runs at a time; a busy server returns an error."),
			mcp.WithNumber("limit",
				mcp.Description("Maximum records to return (default: 50)"),
			),
			mcp.WithNumber("max_age",
				mcp.Description("Accept a cached result up to this many milliseconds old (default: 0, always fresh)"),
			),
		)
		s.AddTool(tool, handleListing(client, apiURL, apiKey, lt.path))
	}

	healthTool := mcp.NewTool("portal_status",
		mcp.WithDescription("Report whether the scraper is up and whether an extraction is currently running."),
	)
	s.AddTool(healthTool, handleStatus(client, apiURL, apiKey))

	return s
}

// apiGet sends a GET request to the API and returns the status and body.
func apiGet(ctx context.Context, client *http.Client, apiURL, apiKey, path string, query url.Values) (int, []byte, error) {
	target := apiURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func apiError(status int, body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil {
		return fmt.Sprintf("[%s] %s", er.Error.Code, er.Error.Message)
	}
	return fmt.Sprintf("API returned status %d", status)
}

func handleListing(client *http.Client, apiURL, apiKey, path string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := url.Values{"format": {"json"}}
		if limit := request.GetInt("limit", -1); limit >= 0 {
			query.Set("limit", strconv.Itoa(limit))
		}
		if maxAge := request.GetInt("max_age", 0); maxAge > 0 {
			query.Set("max_age", strconv.Itoa(maxAge))
		}

		status, body, err := apiGet(ctx, client, apiURL, apiKey, path, query)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if status != http.StatusOK {
			return mcp.NewToolResultError(apiError(status, body)), nil
		}

		var doc document
		if err := json.Unmarshal(body, &doc); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Source: %s\nRecords: %d\nScraped at: %s\n", doc.Source, doc.Count, doc.ScrapedAt)
		if doc.CacheStatus != "" {
			fmt.Fprintf(&sb, "Cache: %s\n", doc.CacheStatus)
		}
		for i, rec := range doc.Results {
			fmt.Fprintf(&sb, "\n[%d] %s", i+1, rec)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleStatus(client *http.Client, apiURL, apiKey string) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, body, err := apiGet(ctx, client, apiURL, apiKey, "/api/v1/health", nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if status != http.StatusOK {
			return mcp.NewToolResultError(apiError(status, body)), nil
		}

		var h healthResponse
		if err := json.Unmarshal(body, &h); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"Status: %s\nExtraction running: %t\nUptime: %s\nBrowser pages: %d/%d\nVersion: %s",
			h.Status, h.Busy, h.Uptime, h.PoolStats.ActivePages, h.PoolStats.MaxPages, h.Version,
		)), nil
	}
}
