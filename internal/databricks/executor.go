// Package databricks runs SQL statements against a Databricks SQL warehouse,
// or any other database/sql backend, one connection per statement.
package databricks

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/litesql/databricks-mcp/internal/preview"
)

// Opener returns a fresh handle to the data source. The executor closes it
// after every statement.
type Opener interface {
	Open(ctx context.Context) (*sql.DB, error)
}

type ExecutorConfig struct {
	Logger *slog.Logger
	Opener Opener
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Opener == nil {
		return fmt.Errorf("opener is required")
	}
	return nil
}

type Executor struct {
	log    *slog.Logger
	opener Opener
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate executor config: %w", err)
	}
	return &Executor{
		log:    cfg.Logger,
		opener: cfg.Opener,
	}, nil
}

// Execute runs one statement on its own connection and returns every row.
// Errors reported by the data source are returned as is; nothing is retried.
func (e *Executor) Execute(ctx context.Context, query string) (*preview.Result, error) {
	start := time.Now()

	db, err := e.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open data source: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var resultRows []preview.Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(preview.Row, len(columns))
		for i, col := range columns {
			row[i] = preview.Field{Column: col, Value: preview.ValueOf(values[i])}
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	e.log.Debug("databricks: query executed", "rows", len(resultRows), "duration", time.Since(start).String())
	return preview.NewResult(resultRows), nil
}
