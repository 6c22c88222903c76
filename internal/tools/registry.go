// Package tools is the static table of operations a client can invoke.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/litesql/databricks-mcp/internal/invoke"
	"github.com/litesql/databricks-mcp/internal/preview"
)

const (
	QueryName        = "query"
	SelectPromptName = "buildSelectPrompt"

	// Names used by the first releases of the server.
	legacyQueryName  = "query_databricks"
	legacyPromptName = "databricks_prompt"
)

type Kind int

const (
	KindTool Kind = iota
	KindPrompt
)

func (k Kind) String() string {
	if k == KindPrompt {
		return "prompt"
	}
	return "tool"
}

type Argument struct {
	Name        string
	Description string
	Required    bool
}

type Handler func(ctx context.Context, req invoke.Request) (string, error)

type Entry struct {
	Name        string
	Kind        Kind
	Description string
	Arguments   []Argument
	Handler     Handler
}

// QueryExecutor runs one SQL statement.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) (*preview.Result, error)
}

type Config struct {
	Logger   *slog.Logger
	Executor QueryExecutor

	// DisableLegacyNames drops the query_databricks and databricks_prompt
	// aliases.
	DisableLegacyNames bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	return nil
}

// Registry is read only once built and safe for concurrent use.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate registry config: %w", err)
	}
	query := queryEntry(cfg.Logger, cfg.Executor)
	prompt := selectPromptEntry()

	entries := []Entry{query, prompt}
	if !cfg.DisableLegacyNames {
		entries = append(entries, alias(query, legacyQueryName), alias(prompt, legacyPromptName))
	}
	return New(entries...)
}

// New builds a registry from explicit entries.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("entry name is required")
		}
		if e.Handler == nil {
			return nil, fmt.Errorf("entry %q: handler is required", e.Name)
		}
		if _, ok := r.entries[e.Name]; ok {
			return nil, fmt.Errorf("entry %q registered twice", e.Name)
		}
		r.entries[e.Name] = e
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns the entries of the given kind sorted by name.
func (r *Registry) Entries(kind Kind) []Entry {
	var list []Entry
	for _, e := range r.entries {
		if e.Kind == kind {
			list = append(list, e)
		}
	}
	slices.SortFunc(list, func(a, b Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return list
}

func alias(e Entry, name string) Entry {
	e.Description = fmt.Sprintf("%s (alias of %s)", e.Description, e.Name)
	e.Name = name
	return e
}
