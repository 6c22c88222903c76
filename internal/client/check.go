// Package client drives several independent MCP sessions against a running
// server at once to show that their queries do not wait for each other.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultClients        = 3
	defaultQuery          = "SELECT {client} AS client"
	defaultTool           = "query"
	defaultRequestTimeout = 120 * time.Second

	// clientPlaceholder in the query is replaced by the client number.
	clientPlaceholder = "{client}"
)

var implementation = &mcp.Implementation{
	Name:    "dbxmcp-check",
	Version: "1.0.0",
}

type Config struct {
	Logger *slog.Logger

	Endpoint       string
	Token          string
	Clients        int
	Tool           string
	Query          string
	RequestTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Clients < 0 {
		return fmt.Errorf("clients must be positive")
	}
	if c.Clients == 0 {
		c.Clients = defaultClients
	}
	if c.Tool == "" {
		c.Tool = defaultTool
	}
	if c.Query == "" {
		c.Query = defaultQuery
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return nil
}

// Result is the outcome of one client's query.
type Result struct {
	Client    int
	SessionID string
	Query     string
	Output    string
	IsError   bool
	Duration  time.Duration
	Err       error
}

func (r Result) Failed() bool {
	return r.Err != nil || r.IsError
}

type Report struct {
	Results []Result
	// Wall is the time from the first query sent to the last answer.
	Wall time.Duration
}

// Sum is the time the queries would have taken one after the other.
func (r *Report) Sum() time.Duration {
	var sum time.Duration
	for _, res := range r.Results {
		sum += res.Duration
	}
	return sum
}

func (r *Report) Slowest() time.Duration {
	var slowest time.Duration
	for _, res := range r.Results {
		slowest = max(slowest, res.Duration)
	}
	return slowest
}

func (r *Report) Failures() int {
	var n int
	for _, res := range r.Results {
		if res.Failed() {
			n++
		}
	}
	return n
}

// Concurrent reports whether the wall clock stayed below the serial sum, the
// sign that the server ran the sessions side by side.
func (r *Report) Concurrent() bool {
	return len(r.Results) > 1 && r.Wall < r.Sum()
}

// Run connects cfg.Clients sessions, then sends one query on each of them at
// the same time.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate check config: %w", err)
	}
	log := cfg.Logger

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.Token != "" {
		httpClient.Transport = &tokenTransport{base: http.DefaultTransport, token: cfg.Token}
	}

	sessions := make([]*mcp.ClientSession, cfg.Clients)
	defer func() {
		for _, cs := range sessions {
			if cs != nil {
				_ = cs.Close()
			}
		}
	}()
	for i := range sessions {
		client := mcp.NewClient(implementation, nil)
		cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{
			Endpoint:   cfg.Endpoint,
			HTTPClient: httpClient,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("client %d: failed to connect to %s: %w", i+1, cfg.Endpoint, err)
		}
		log.Debug("check: connected", "client", i+1, "session", cs.ID())
		sessions[i] = cs
	}

	report := &Report{Results: make([]Result, cfg.Clients)}
	var wg sync.WaitGroup
	start := time.Now()
	for i, cs := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Results[i] = call(ctx, cs, cfg.Tool, i+1, cfg.Query)
			log.Debug("check: finished", "client", i+1, "duration", report.Results[i].Duration)
		}()
	}
	wg.Wait()
	report.Wall = time.Since(start)
	return report, nil
}

func call(ctx context.Context, cs *mcp.ClientSession, tool string, client int, query string) Result {
	query = strings.ReplaceAll(query, clientPlaceholder, strconv.Itoa(client))
	res := Result{Client: client, SessionID: cs.ID(), Query: query}

	start := time.Now()
	out, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: map[string]any{"query": query},
	})
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}

	var parts []string
	for _, c := range out.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	res.Output = strings.Join(parts, "\n")
	res.IsError = out.IsError
	return res
}

// tokenTransport adds the bearer token to every request.
type tokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
