package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/litesql/databricks-mcp/internal/client"
)

func main() {
	fs := ff.NewFlagSet("dbxmcp-check")
	endpoint := fs.String('e', "endpoint", "http://localhost:8000/mcp", "MCP endpoint of the server")
	token := fs.StringLong("token", "", "Bearer token")
	clients := fs.Int('n', "clients", 3, "Number of concurrent sessions")
	tool := fs.StringLong("tool", "query", "Tool to call")
	query := fs.String('q', "query", "SELECT {client} AS client", "Query sent by every session, {client} is replaced by the client number")
	timeout := fs.DurationLong("timeout", 2*time.Minute, "Request timeout")
	verbose := fs.Bool('v', "verbose", "Enable debug logging")

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("DBXMCP_CHECK")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "err=%v\n", err)
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := client.Run(ctx, client.Config{
		Logger:         log,
		Endpoint:       *endpoint,
		Token:          *token,
		Clients:        *clients,
		Tool:           *tool,
		Query:          *query,
		RequestTimeout: *timeout,
	})
	if err != nil {
		log.Error("check failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(client.Render(report))
	if report.Failures() > 0 {
		os.Exit(1)
	}
}
