package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/litesql/databricks-mcp/internal/invoke"
	"github.com/litesql/databricks-mcp/internal/preview"
)

func queryEntry(log *slog.Logger, executor QueryExecutor) Entry {
	return Entry{
		Name:        QueryName,
		Kind:        KindTool,
		Description: "Execute a SQL statement on the Databricks SQL warehouse and return the column list and up to 10 sample rows.",
		Arguments: []Argument{
			{Name: "query", Description: "SQL statement to execute, e.g. SELECT * FROM samples.nyctaxi.trips LIMIT 10", Required: true},
		},
		Handler: func(ctx context.Context, req invoke.Request) (string, error) {
			return handleQuery(ctx, log, executor, req)
		},
	}
}

func handleQuery(ctx context.Context, log *slog.Logger, executor QueryExecutor, req invoke.Request) (string, error) {
	query, ok, err := req.String("query")
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(query) == "" {
		return "", invoke.Errorf(invoke.InvalidArguments, "argument %q is required", "query")
	}

	start := time.Now()
	log.Debug("tools: running query", "session", req.SessionID, "sql", query)
	res, err := executor.Execute(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", invoke.Wrap(invoke.ExternalQueryError, err)
	}
	log.Debug("tools: query done", "session", req.SessionID, "rows", res.Len(), "duration", time.Since(start).String())
	return preview.Summarize(res), nil
}
