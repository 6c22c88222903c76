package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/litesql/databricks-mcp/internal/credentials"
	"github.com/litesql/databricks-mcp/internal/databricks"
	httpapi "github.com/litesql/databricks-mcp/internal/http"
	mcpserver "github.com/litesql/databricks-mcp/internal/mcp"
	"github.com/litesql/databricks-mcp/internal/metrics"
	audit "github.com/litesql/databricks-mcp/internal/nats"
	"github.com/litesql/databricks-mcp/internal/session"
	"github.com/litesql/databricks-mcp/internal/tools"
)

var (
	version string = "dev"
	commit  string = "none"
	date    string = "unknown"
)

const (
	transportHTTP  = "http"
	transportStdio = "stdio"

	driverDatabricks = "databricks"
)

var (
	fs *ff.FlagSet

	transport    *string
	port         *uint
	path         *string
	authTokens   *string
	serveMetrics *bool

	maxConcurrency  *int
	queryTimeout    *time.Duration
	shutdownTimeout *time.Duration
	reapInterval    *time.Duration
	idleTimeout     *time.Duration
	noLegacyNames   *bool

	envFile          *string
	credentialsCache *bool
	driver           *string
	dsn              *string
	catalog          *string
	schema           *string

	natsURL      *string
	natsEmbedded *bool
	natsPort     *int
	natsStoreDir *string
	natsLogs     *bool

	auditStream   *string
	auditMaxAge   *time.Duration
	auditReplicas *int
	auditTimeout  *time.Duration

	verbose *bool
)

func main() {
	fs = ff.NewFlagSet("databricks-mcp")
	transport = fs.StringLong("transport", transportHTTP, "Client transport (http|stdio)")
	port = fs.Uint('p', "port", 8000, "HTTP server port")
	path = fs.StringLong("path", "/mcp", "HTTP path of the MCP endpoint")
	authTokens = fs.StringLong("auth-tokens", "", "Comma-separated list of bearer tokens accepted on the HTTP server (empty disables authentication)")
	serveMetrics = fs.BoolLong("metrics", "Serve Prometheus metrics on /metrics")

	maxConcurrency = fs.IntLong("max-concurrency", 50, "Maximum number of queries running at the same time")
	queryTimeout = fs.DurationLong("query-timeout", 60*time.Second, "Maximum duration of a single query")
	shutdownTimeout = fs.DurationLong("shutdown-timeout", 15*time.Second, "Time to wait for running queries on shutdown")
	reapInterval = fs.DurationLong("reap-interval", 30*time.Second, "Interval to release sessions of disconnected HTTP clients")
	idleTimeout = fs.DurationLong("session-idle-timeout", 10*time.Minute, "Close HTTP sessions without requests for this long (0 disables)")
	noLegacyNames = fs.BoolLong("no-legacy-names", "Do not register the query_databricks and databricks_prompt aliases")

	envFile = fs.StringLong("env-file", ".env", "Dotenv file with DATABRICKS_HOST, DATABRICKS_HTTP_PATH and DATABRICKS_TOKEN (the environment takes precedence)")
	credentialsCache = fs.BoolLong("credentials-cache", "Resolve the Databricks credentials once instead of on every query")
	driver = fs.StringLong("driver", driverDatabricks, "Data source driver (databricks|pgx|sqlite|sqlserver|oracle)")
	dsn = fs.StringLong("dsn", "", "Data source name for the pgx, sqlite, sqlserver and oracle drivers")
	catalog = fs.StringLong("catalog", "", "Initial Databricks catalog")
	schema = fs.StringLong("schema", "", "Initial Databricks schema")

	natsURL = fs.StringLong("nats-url", "", "NATS server url for the invocation audit stream")
	natsEmbedded = fs.BoolLong("nats-embedded", "Publish the invocation audit stream to an embedded NATS server")
	natsPort = fs.IntLong("nats-port", 0, "Embedded NATS server port (0 keeps it in process)")
	natsStoreDir = fs.StringLong("nats-store-dir", "", "Embedded NATS server store directory")
	natsLogs = fs.BoolLong("nats-logs", "Enable embedded NATS server logging")

	auditStream = fs.StringLong("audit-stream", "dbxmcp_audit", "Audit stream name")
	auditMaxAge = fs.DurationLong("audit-max-age", 24*time.Hour, "Audit stream max age")
	auditReplicas = fs.IntLong("audit-replicas", 1, "Number of replicas of the audit stream in clustered jetstream, maximum is 5")
	auditTimeout = fs.DurationLong("audit-timeout", 15*time.Second, "Audit publisher timeout")

	verbose = fs.Bool('v', "verbose", "Enable debug logging")
	printVersion := fs.BoolLong("version", "Print version information and exit")
	_ = fs.String('c', "config", "", "config file (optional)")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DBXMCP"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "err=%v\n", err)
		os.Exit(2)
	}

	if *printVersion {
		fmt.Println("databricks-mcp")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Date: %s\n", date)
		return
	}

	log := newLogger(*verbose)
	slog.SetDefault(log)
	if err := run(log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr so stdio mode keeps stdout for the protocol.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339Nano,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func run(log *slog.Logger) error {
	if *transport != transportHTTP && *transport != transportStdio {
		return fmt.Errorf("--transport must be %s or %s", transportHTTP, transportStdio)
	}
	if *maxConcurrency < 1 {
		return fmt.Errorf("--max-concurrency must be at least 1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	opener, err := newOpener(ctx, log)
	if err != nil {
		return err
	}
	executor, err := databricks.NewExecutor(databricks.ExecutorConfig{
		Logger: log,
		Opener: opener,
	})
	if err != nil {
		return err
	}
	registry, err := tools.NewRegistry(tools.Config{
		Logger:             log,
		Executor:           executor,
		DisableLegacyNames: *noLegacyNames,
	})
	if err != nil {
		return err
	}

	var observers []session.Observer
	publisher, closeAudit, err := newAuditPublisher(ctx, log)
	if err != nil {
		return err
	}
	defer closeAudit()
	if publisher != nil {
		observers = append(observers, publisher)
	}

	mux, err := session.New(session.Config{
		Logger:            log,
		Registry:          registry,
		MaxConcurrency:    *maxConcurrency,
		InvocationTimeout: *queryTimeout,
		Observers:         observers,
	})
	if err != nil {
		return err
	}
	mcpSrv, err := mcpserver.New(mcpserver.Config{
		Logger:      log,
		Multiplexer: mux,
		Registry:    registry,
		Version:     version,

		SessionIdleTimeout: *idleTimeout,
	})
	if err != nil {
		return err
	}

	log.Info("starting databricks MCP server", "transport", *transport, "driver", *driver, "version", version, "commit", commit, "date", date)
	if *transport == transportStdio {
		err := mcpSrv.RunStdio(ctx)
		shutdownMultiplexer(log, mux)
		return err
	}
	return runHTTP(ctx, log, mux, mcpSrv)
}

func newOpener(ctx context.Context, log *slog.Logger) (databricks.Opener, error) {
	switch *driver {
	case driverDatabricks:
		var provider credentials.Provider = credentials.NewEnvProvider(log, *envFile)
		if *credentialsCache {
			provider = &credentials.Cached{Provider: provider}
		}
		// Missing credentials are reported on every query, not at startup.
		if params, err := provider.Credentials(ctx); err != nil {
			log.Warn("databricks credentials are not configured yet", "error", err)
		} else {
			log.Info("using databricks warehouse", "credentials", params)
		}
		return &databricks.WarehouseOpener{
			Credentials: provider,
			Catalog:     *catalog,
			Schema:      *schema,
			UserAgent:   "databricks-mcp/" + version,
			Timeout:     *queryTimeout,
		}, nil
	default:
		if !slices.Contains(databricks.DSNDrivers, *driver) {
			return nil, fmt.Errorf("unknown driver %q", *driver)
		}
		if *dsn == "" {
			return nil, fmt.Errorf("--dsn is required for the %s driver", *driver)
		}
		log.Info("using data source name", "driver", *driver)
		return &databricks.DSNOpener{Driver: *driver, DSN: *dsn}, nil
	}
}

// newAuditPublisher returns a nil publisher when no NATS server is configured.
func newAuditPublisher(ctx context.Context, log *slog.Logger) (*audit.AuditPublisher, func(), error) {
	if *natsURL == "" && !*natsEmbedded {
		return nil, func() {}, nil
	}

	var (
		nc *nats.Conn
		ns *server.Server
	)
	if *natsEmbedded {
		var err error
		nc, ns, err = audit.RunEmbeddedServer(log, audit.EmbeddedConfig{
			Name:       "databricks-mcp",
			Port:       *natsPort,
			StoreDir:   *natsStoreDir,
			EnableLogs: *natsLogs,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
	}
	stopEmbedded := func() {
		if nc != nil {
			nc.Close()
		}
		if ns != nil {
			ns.Shutdown()
			ns.WaitForShutdown()
		}
	}

	publisher, err := audit.NewAuditPublisher(ctx, audit.AuditConfig{
		Logger:   log,
		Conn:     nc,
		URL:      *natsURL,
		Stream:   *auditStream,
		Replicas: *auditReplicas,
		MaxAge:   *auditMaxAge,
		Timeout:  *auditTimeout,
	})
	if err != nil {
		stopEmbedded()
		return nil, nil, fmt.Errorf("failed to start audit publisher: %w", err)
	}
	return publisher, func() {
		if err := publisher.Close(context.Background()); err != nil {
			log.Warn("audit publisher close failed", "error", err)
		}
		stopEmbedded()
	}, nil
}

func runHTTP(ctx context.Context, log *slog.Logger, mux *session.Multiplexer, mcpSrv *mcpserver.Server) error {
	var tokens []string
	for _, token := range strings.Split(*authTokens, ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		Logger:        log,
		MCP:           mcpSrv.HTTPHandler(),
		Sessions:      mux,
		Path:          *path,
		AllowedTokens: tokens,
		Metrics:       *serveMetrics,
		Ready:         func() bool { return !mux.ShuttingDown() },
	})
	if err != nil {
		return err
	}

	mux.StartReaper(ctx, *reapInterval, mcpSrv.Alive)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	log.Info("listening for MCP clients", "port", *port, "path", *path, "auth", len(tokens) > 0, "metrics", *serveMetrics)

	select {
	case err := <-serveErr:
		shutdownMultiplexer(log, mux)
		return fmt.Errorf("failed to listen and serve: %w", err)
	case <-ctx.Done():
		log.Warn("signal detected...", "reason", context.Cause(ctx))
	}

	shutdownMultiplexer(log, mux)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Open event streams keep connections busy until their clients leave.
		log.Warn("HTTP server shutdown timed out, closing connections", "error", err)
		return srv.Close()
	}
	return nil
}

// shutdownMultiplexer stops accepting invocations and waits for the running
// ones, still answering them on their sessions.
func shutdownMultiplexer(log *slog.Logger, mux *session.Multiplexer) {
	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := mux.Shutdown(ctx); err != nil {
		log.Error("session multiplexer shutdown failed", "error", err)
	}
}
