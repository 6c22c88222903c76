// Package credentials supplies the connection parameters of the Databricks
// SQL warehouse.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const (
	EnvHost     = "DATABRICKS_HOST"
	EnvHTTPPath = "DATABRICKS_HTTP_PATH"
	EnvToken    = "DATABRICKS_TOKEN"
)

var ErrMissing = errors.New("missing databricks credentials")

type Params struct {
	Host     string
	HTTPPath string
	Token    string
}

func (p Params) Validate() error {
	var missing []string
	if p.Host == "" {
		missing = append(missing, EnvHost)
	}
	if p.HTTPPath == "" {
		missing = append(missing, EnvHTTPPath)
	}
	if p.Token == "" {
		missing = append(missing, EnvToken)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Hostname returns Host without scheme and trailing slash.
func (p Params) Hostname() string {
	h := strings.TrimPrefix(p.Host, "https://")
	h = strings.TrimPrefix(h, "http://")
	return strings.TrimSuffix(h, "/")
}

// LogValue keeps the token out of logs.
func (p Params) LogValue() slog.Value {
	token := ""
	if p.Token != "" {
		token = "***"
	}
	return slog.GroupValue(
		slog.String("host", p.Hostname()),
		slog.String("http_path", p.HTTPPath),
		slog.String("token", token),
	)
}

type Provider interface {
	Credentials(ctx context.Context) (Params, error)
}

// EnvProvider reads the credentials from the process environment every time
// they are requested. Variables missing from the environment are looked up
// in the optional dotenv files.
type EnvProvider struct {
	Logger *slog.Logger
	Files  []string
	Lookup func(key string) (string, bool)
}

func NewEnvProvider(log *slog.Logger, files ...string) *EnvProvider {
	return &EnvProvider{
		Logger: log,
		Files:  files,
		Lookup: os.LookupEnv,
	}
}

func (p *EnvProvider) Credentials(_ context.Context) (Params, error) {
	dotenv := p.readFiles()
	get := func(key string) string {
		if p.Lookup != nil {
			if v, ok := p.Lookup(key); ok && v != "" {
				return v
			}
		}
		return dotenv[key]
	}
	params := Params{
		Host:     get(EnvHost),
		HTTPPath: get(EnvHTTPPath),
		Token:    get(EnvToken),
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

func (p *EnvProvider) readFiles() map[string]string {
	values := make(map[string]string)
	for _, f := range p.Files {
		if f == "" {
			continue
		}
		m, err := godotenv.Read(f)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) && p.Logger != nil {
				p.Logger.Warn("credentials: failed to read env file", "file", f, "error", err)
			}
			continue
		}
		for k, v := range m {
			if _, ok := values[k]; !ok {
				values[k] = v
			}
		}
	}
	return values
}

// Cached resolves the credentials of the wrapped provider once. Failed
// lookups are not cached.
type Cached struct {
	Provider Provider

	mu     sync.Mutex
	params *Params
}

func (c *Cached) Credentials(ctx context.Context) (Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params != nil {
		return *c.params, nil
	}
	params, err := c.Provider.Credentials(ctx)
	if err != nil {
		return Params{}, err
	}
	c.params = &params
	return params, nil
}

// Static always returns the same parameters.
type Static Params

func (s Static) Credentials(_ context.Context) (Params, error) {
	p := Params(s)
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
