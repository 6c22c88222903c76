package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type queryInput struct {
	Query string `json:"query"`
}

// slowServer sleeps 300ms per call and echoes the query. Queries containing
// "broken" fail.
func slowServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "slow", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "query", Description: "echo"}, func(ctx context.Context, _ *mcp.CallToolRequest, in queryInput) (*mcp.CallToolResult, any, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if strings.Contains(in.Query, "broken") {
			return nil, nil, errors.New("ExternalQueryError: broken")
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Query}}}, nil, nil
	})

	var h http.Handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	if token != "" {
		next := h
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: testLogger(t)}
	require.ErrorContains(t, cfg.Validate(), "endpoint")

	cfg = Config{Logger: testLogger(t), Endpoint: "http://localhost:8000/mcp"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultClients, cfg.Clients)
	require.Equal(t, defaultTool, cfg.Tool)
	require.Equal(t, defaultQuery, cfg.Query)
}

func TestRun(t *testing.T) {
	t.Parallel()

	ts := slowServer(t, "s3cret")
	report, err := Run(t.Context(), Config{
		Logger:   testLogger(t),
		Endpoint: ts.URL,
		Token:    "s3cret",
		Clients:  3,
		Query:    "SELECT {client}",
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	require.Equal(t, 0, report.Failures())

	seen := map[string]bool{}
	for i, res := range report.Results {
		require.Equal(t, i+1, res.Client)
		require.Equal(t, "echo: "+res.Query, res.Output)
		require.NotEmpty(t, res.SessionID)
		seen[res.SessionID] = true
	}
	require.Len(t, seen, 3, "every client has its own session")
	require.Equal(t, "SELECT 2", report.Results[1].Query)
	require.True(t, report.Concurrent())
	require.Less(t, report.Wall, 800*time.Millisecond)

	out := Render(report)
	require.Contains(t, out, "3 concurrent sessions")
	require.Contains(t, out, "sessions ran concurrently")
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()

	ts := slowServer(t, "")
	report, err := Run(t.Context(), Config{
		Logger:   testLogger(t),
		Endpoint: ts.URL,
		Clients:  2,
		Query:    "SELECT * FROM broken_{client}",
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Failures())
	for _, res := range report.Results {
		require.True(t, res.IsError)
		require.Contains(t, res.Output, "broken")
	}
	require.Contains(t, Render(report), "error")
}

func TestRun_Unauthorized(t *testing.T) {
	t.Parallel()

	ts := slowServer(t, "s3cret")
	_, err := Run(t.Context(), Config{Logger: testLogger(t), Endpoint: ts.URL, Token: "wrong"})
	require.ErrorContains(t, err, "failed to connect")
}

func TestReport(t *testing.T) {
	t.Parallel()

	r := &Report{
		Results: []Result{
			{Duration: time.Second},
			{Duration: 2 * time.Second, Err: errors.New("boom")},
		},
		Wall: 2100 * time.Millisecond,
	}
	require.Equal(t, 3*time.Second, r.Sum())
	require.Equal(t, 2*time.Second, r.Slowest())
	require.Equal(t, 1, r.Failures())
	require.True(t, r.Concurrent())

	r.Wall = 3500 * time.Millisecond
	require.False(t, r.Concurrent())
	require.Contains(t, Render(r), "sessions did not overlap")
}
