package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/litesql/databricks-mcp/internal/invoke"
	"github.com/litesql/databricks-mcp/internal/metrics"
	"github.com/litesql/databricks-mcp/internal/tools"
)

const (
	defaultMaxConcurrency    = 50
	defaultInvocationTimeout = 60 * time.Second
)

// ErrSessionClosed is returned by Dispatch when the session went away before
// the response could be delivered. The response is dropped.
var ErrSessionClosed = errors.New("session closed")

// Event describes one finished invocation.
type Event struct {
	Time      time.Time     `json:"time"`
	SessionID string        `json:"session_id"`
	Transport string        `json:"transport"`
	Operation string        `json:"operation"`
	Status    string        `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusDiscarded = "discarded"
)

// Observer receives an Event for each dispatched invocation. Observe must
// not block.
type Observer interface {
	Observe(Event)
}

type Config struct {
	Logger   *slog.Logger
	Registry *tools.Registry
	Clock    clockwork.Clock

	MaxConcurrency    int
	InvocationTimeout time.Duration
	Observers         []Observer
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if cfg.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	if cfg.InvocationTimeout < 0 {
		return fmt.Errorf("invocation timeout must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.InvocationTimeout == 0 {
		cfg.InvocationTimeout = defaultInvocationTimeout
	}
	return nil
}

// Multiplexer owns the live sessions and runs their invocations on a bounded
// worker pool, so a slow query on one session never holds up another one.
type Multiplexer struct {
	log      *slog.Logger
	cfg      Config
	sessions *set
	pool     pond.ResultPool[string]
	closing  atomic.Bool
}

func New(cfg Config) (*Multiplexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate multiplexer config: %w", err)
	}
	return &Multiplexer{
		log:      cfg.Logger,
		cfg:      cfg,
		sessions: newSet(),
		pool:     pond.NewResultPool[string](cfg.MaxConcurrency),
	}, nil
}

// Open registers a new client session. An empty id gets a generated one.
// Opening an id that is already live returns the live session.
func (m *Multiplexer) Open(id, transport string) (*Session, error) {
	if m.closing.Load() {
		return nil, invoke.Errorf(invoke.ServerShuttingDown, "server is shutting down")
	}
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:        id,
		transport: transport,
		openedAt:  m.cfg.Clock.Now(),
	}
	s, added := m.sessions.add(s)
	if added {
		metrics.SessionsOpenedTotal.WithLabelValues(transport).Inc()
		metrics.SessionsActive.WithLabelValues(transport).Inc()
		m.log.Info("session: opened", "session", id, "transport", transport, "sessions", m.sessions.len())
	}
	return s, nil
}

func (m *Multiplexer) Get(id string) (*Session, bool) {
	return m.sessions.get(id)
}

// Close releases the session. In-flight invocations keep running but their
// responses are dropped.
func (m *Multiplexer) Close(id string) bool {
	s, ok := m.sessions.get(id)
	if !ok || !s.beginClose() {
		return false
	}
	m.sessions.remove(id)
	s.finishClose()
	metrics.SessionsActive.WithLabelValues(s.transport).Dec()
	m.log.Info("session: closed", "session", id, "transport", s.transport, "inFlight", s.InFlight(), "sessions", m.sessions.len())
	return true
}

// Reap closes every session for which alive reports false and returns how
// many were closed.
func (m *Multiplexer) Reap(alive func(id string) bool) int {
	var n int
	for _, s := range m.sessions.list() {
		if alive(s.id) {
			continue
		}
		if m.Close(s.id) {
			n++
		}
	}
	return n
}

// StartReaper calls Reap every interval until ctx is done.
func (m *Multiplexer) StartReaper(ctx context.Context, interval time.Duration, alive func(id string) bool) {
	go func() {
		ticker := m.cfg.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if n := m.Reap(alive); n > 0 {
					m.log.Info("session: reaped disconnected sessions", "count", n)
				}
			}
		}
	}()
}

// ShuttingDown reports whether Shutdown was called.
func (m *Multiplexer) ShuttingDown() bool {
	return m.closing.Load()
}

func (m *Multiplexer) Len() int {
	return m.sessions.len()
}

// Sessions returns a snapshot of the live sessions ordered by open time.
func (m *Multiplexer) Sessions() []Snapshot {
	list := m.sessions.list()
	snaps := make([]Snapshot, 0, len(list))
	for _, s := range list {
		snaps = append(snaps, s.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return snaps
}

// Dispatch runs req on behalf of s and returns the response for s. Unknown
// operations are answered without touching the worker pool.
func (m *Multiplexer) Dispatch(ctx context.Context, s *Session, req invoke.Request) (invoke.Response, error) {
	if s.State() != Open {
		return invoke.Response{}, ErrSessionClosed
	}
	req.SessionID = s.id
	start := m.cfg.Clock.Now()

	entry, ok := m.cfg.Registry.Lookup(req.Operation)
	if !ok {
		resp := invoke.Failure(invoke.Errorf(invoke.UnknownOperation, "operation %q is not registered", req.Operation))
		m.observe(s, req, resp, start, StatusError)
		return resp, nil
	}
	if m.closing.Load() {
		resp := invoke.Failure(invoke.Errorf(invoke.ServerShuttingDown, "server is shutting down"))
		m.observe(s, req, resp, start, StatusError)
		return resp, nil
	}

	s.inFlight.Add(1)
	metrics.InvocationsInFlight.Inc()
	defer func() {
		s.inFlight.Add(-1)
		metrics.InvocationsInFlight.Dec()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.InvocationTimeout)
	defer cancel()

	task := m.pool.SubmitErr(func() (string, error) {
		return run(ctx, entry, req)
	})
	out, err := task.Wait()
	resp := m.response(ctx, out, err)

	if s.State() != Open {
		m.log.Warn("session: dropping response for closed session", "session", s.id, "operation", req.Operation)
		m.observe(s, req, resp, start, StatusDiscarded)
		return invoke.Response{}, ErrSessionClosed
	}

	status := StatusSuccess
	if resp.Failed() {
		status = StatusError
		m.log.Warn("session: invocation failed", "session", s.id, "operation", req.Operation, "error", resp.Err)
	}
	m.observe(s, req, resp, start, status)
	return resp, nil
}

func run(ctx context.Context, entry tools.Entry, req invoke.Request) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %q failed: %v", entry.Name, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return entry.Handler(ctx, req)
}

func (m *Multiplexer) response(ctx context.Context, out string, err error) invoke.Response {
	switch {
	case err == nil:
		return invoke.Result(out)
	case errors.Is(err, pond.ErrPoolStopped):
		return invoke.Failure(invoke.Errorf(invoke.ServerShuttingDown, "server is shutting down"))
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return invoke.Failure(invoke.Errorf(invoke.ExternalQueryError, "query timed out after %s", m.cfg.InvocationTimeout))
	default:
		return invoke.Failure(invoke.Wrap(invoke.ExternalQueryError, err))
	}
}

func (m *Multiplexer) observe(s *Session, req invoke.Request, resp invoke.Response, start time.Time, status string) {
	duration := m.cfg.Clock.Since(start)
	metrics.InvocationsTotal.WithLabelValues(req.Operation, status).Inc()
	metrics.InvocationDuration.WithLabelValues(req.Operation).Observe(duration.Seconds())
	if len(m.cfg.Observers) == 0 {
		return
	}
	ev := Event{
		Time:      start,
		SessionID: s.id,
		Transport: s.transport,
		Operation: req.Operation,
		Status:    status,
		Duration:  duration,
	}
	if resp.Err != nil {
		ev.ErrorKind = resp.Err.Kind.String()
		ev.Error = resp.Err.Message
	}
	for _, o := range m.cfg.Observers {
		o.Observe(ev)
	}
}

// Shutdown rejects new sessions and waits for running invocations to
// finish. Invocations submitted afterwards fail with ServerShuttingDown.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}
	m.log.Info("session: shutting down", "sessions", m.sessions.len(), "running", m.pool.RunningWorkers())
	done := make(chan struct{})
	go func() {
		m.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for running invocations: %w", ctx.Err())
	}
	for _, s := range m.sessions.list() {
		m.Close(s.id)
	}
	return nil
}
