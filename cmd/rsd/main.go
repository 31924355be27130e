// Package main implements the rsd CLI for manual operations against the
// researchd HTTP server.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the researchd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rsd",
	Short: "CLI for researchd HTTP server operations",
	Long: `rsd is a command-line interface for the researchd HTTP server.
It runs research queries, streams pipeline traces, and inspects stored traces.`,
	Version: version,
}

var (
	maxSources int
	noVerify   bool
	provider   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "researchd server URL")
	queryCmd.Flags().IntVar(&maxSources, "max-sources", 0, "cap on evidence sources offered to the writer")
	queryCmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip the critique/verification/red-team stages")
	queryCmd.Flags().StringVar(&provider, "provider", "", "web search provider (bing, serpapi)")
	streamCmd.Flags().IntVar(&maxSources, "max-sources", 0, "cap on evidence sources offered to the writer")
	streamCmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip the critique/verification/red-team stages")
	streamCmd.Flags().StringVar(&provider, "provider", "", "web search provider (bing, serpapi)")
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(healthCmd)
}

// queryCmd runs a query synchronously and prints the terminal payload
var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a research query",
	Long: `Run a research query against the researchd server and print the answer.

Examples:
  # Run a query
  rsd query "what changed in the latest release"

  # Skip verification
  rsd query --no-verify "quick summary of the roadmap"`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

// streamCmd runs a query and prints trace events as they happen
var streamCmd = &cobra.Command{
	Use:   "stream <text>",
	Short: "Run a research query with live trace streaming",
	Long: `Run a research query and print each pipeline trace event as it is
emitted, followed by the citations and the answer.

Examples:
  rsd stream "compare the two proposals"`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

// traceCmd fetches a stored trace
var traceCmd = &cobra.Command{
	Use:   "trace <trace-id>",
	Short: "Fetch a stored pipeline trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrace,
}

// uploadCmd indexes a local document
var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload and index a document",
	Long: `Upload a local text document for indexing. Indexed documents are
searched alongside web results during retrieval.

Examples:
  rsd upload notes/meeting.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check researchd server health",
	RunE:  runHealth,
}

// queryRequest matches internal/httpapi QueryRequest
type queryRequest struct {
	Query   string       `json:"query"`
	Options queryOptions `json:"options"`
}

type queryOptions struct {
	MaxSources     int    `json:"max_sources,omitempty"`
	SearchProvider string `json:"search_provider,omitempty"`
	EnableVerifier *bool  `json:"enable_verifier,omitempty"`
}

func buildQueryBody(text string) ([]byte, error) {
	req := queryRequest{Query: text}
	req.Options.MaxSources = maxSources
	req.Options.SearchProvider = provider
	if noVerify {
		f := false
		req.Options.EnableVerifier = &f
	}
	return json.Marshal(req)
}

func postJSON(url string, body []byte, timeout time.Duration) (*http.Response, error) {
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	return resp, nil
}

func readError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

// runQuery handles the query command
func runQuery(cmd *cobra.Command, args []string) error {
	body, err := buildQueryBody(args[0])
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := postJSON(fmt.Sprintf("%s/v1/query", serverURL), body, 5*time.Minute)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	var result struct {
		Answer        string  `json:"answer"`
		Confidence    float64 `json:"confidence_score"`
		Refusal       bool    `json:"refusal"`
		RefusalReason string  `json:"refusal_reason"`
		TraceID       string  `json:"trace_id"`
		Citations     []struct {
			CitationID string `json:"citation_id"`
			Title      string `json:"title"`
			URL        string `json:"url"`
		} `json:"citations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Refusal {
		fmt.Fprintf(os.Stderr, "[rsd] refused: %s (trace %s)\n", result.RefusalReason, result.TraceID)
		return nil
	}

	fmt.Println(result.Answer)
	if len(result.Citations) > 0 {
		fmt.Println()
		for _, c := range result.Citations {
			fmt.Printf("  [%s] %s %s\n", c.CitationID, c.Title, c.URL)
		}
	}
	fmt.Fprintf(os.Stderr, "[rsd] confidence %.2f, trace %s\n", result.Confidence, result.TraceID)
	return nil
}

// runStream handles the stream command
func runStream(cmd *cobra.Command, args []string) error {
	body, err := buildQueryBody(args[0])
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := postJSON(fmt.Sprintf("%s/v1/query/stream", serverURL), body, 5*time.Minute)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	// Minimal SSE reader: "event:" and "data:" lines, blank line ends a
	// frame.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event, data string
	sawFinal := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if event != "" {
				printFrame(event, data)
				if event == "final" {
					sawFinal = true
				}
			}
			event, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if !sawFinal {
		fmt.Fprintln(os.Stderr, "[rsd] stream ended without a final event")
	}
	return nil
}

func printFrame(event, data string) {
	switch event {
	case "trace_event":
		var ev struct {
			Agent string `json:"agent"`
			Type  string `json:"event_type"`
		}
		if json.Unmarshal([]byte(data), &ev) == nil {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Agent, ev.Type)
		}
	case "answer_delta":
		var delta struct {
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(data), &delta) == nil {
			fmt.Print(delta.Text)
		}
	case "citation":
		var c struct {
			CitationID string `json:"citation_id"`
			URL        string `json:"url"`
		}
		if json.Unmarshal([]byte(data), &c) == nil {
			fmt.Fprintf(os.Stderr, "[citation %s] %s\n", c.CitationID, c.URL)
		}
	case "final":
		fmt.Println()
	}
}

// runTrace handles the trace command
func runTrace(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/v1/traces/%s", serverURL, args[0])
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

// runUpload handles the upload command
func runUpload(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", args[0], err)
	}
	if len(content) == 0 {
		return fmt.Errorf("no content to upload")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(args[0]))
	if err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/v1/documents", serverURL)
	httpReq, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return readError(resp)
	}

	var uploadResp struct {
		DocumentID string `json:"document_id"`
		Status     string `json:"status"`
		Chunks     int    `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("%s %s (%d chunks)\n", uploadResp.DocumentID, uploadResp.Status, uploadResp.Chunks)
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/v1/health", serverURL)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("%s (server %s)\n", health.Status, health.Version)
	return nil
}
