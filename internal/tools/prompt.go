package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/litesql/databricks-mcp/internal/invoke"
)

func selectPromptEntry() Entry {
	return Entry{
		Name:        SelectPromptName,
		Kind:        KindPrompt,
		Description: "Build a SELECT statement template for a table and a whitespace separated column list.",
		Arguments: []Argument{
			{Name: "table", Description: "Fully qualified table name", Required: true},
			{Name: "columns", Description: "Whitespace separated column names", Required: true},
		},
		Handler: func(_ context.Context, req invoke.Request) (string, error) {
			table, _, err := req.String("table")
			if err != nil {
				return "", err
			}
			columns, _, err := req.String("columns")
			if err != nil {
				return "", err
			}
			return BuildSelectPrompt(table, columns), nil
		},
	}
}

// BuildSelectPrompt renders "SELECT c1, c2 FROM table" followed by a blank
// line. Any whitespace run between column names collapses to ", ".
func BuildSelectPrompt(table, columns string) string {
	return fmt.Sprintf("SELECT %s FROM %s\n\n", strings.Join(strings.Fields(columns), ", "), table)
}
