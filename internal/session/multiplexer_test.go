package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/litesql/databricks-mcp/internal/invoke"
	"github.com/litesql/databricks-mcp/internal/tools"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// testRegistry exposes:
//   - echo: returns the "text" argument after sleeping "delay" (a duration string)
//   - fail: always fails like the data source would
//   - block: waits for the release channel or the context
//   - panic: panics
func testRegistry(t *testing.T, release <-chan struct{}) *tools.Registry {
	t.Helper()
	r, err := tools.New(
		tools.Entry{Name: "echo", Handler: func(ctx context.Context, req invoke.Request) (string, error) {
			if d, ok, _ := req.String("delay"); ok {
				delay, err := time.ParseDuration(d)
				if err != nil {
					return "", invoke.Errorf(invoke.InvalidArguments, "bad delay: %v", err)
				}
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			text, _, err := req.String("text")
			return req.SessionID + ":" + text, err
		}},
		tools.Entry{Name: "fail", Handler: func(context.Context, invoke.Request) (string, error) {
			return "", errors.New("dial tcp: connection refused")
		}},
		tools.Entry{Name: "block", Handler: func(ctx context.Context, _ invoke.Request) (string, error) {
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}},
		tools.Entry{Name: "panic", Handler: func(context.Context, invoke.Request) (string, error) {
			panic("boom")
		}},
	)
	require.NoError(t, err)
	return r
}

func newTestMultiplexer(t *testing.T, cfg Config) *Multiplexer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger(t)
	}
	if cfg.Registry == nil {
		cfg.Registry = testRegistry(t, nil)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid", modify: func(c *Config) {}},
		{name: "missing logger", modify: func(c *Config) { c.Logger = nil }, wantErr: true},
		{name: "missing registry", modify: func(c *Config) { c.Registry = nil }, wantErr: true},
		{name: "negative concurrency", modify: func(c *Config) { c.MaxConcurrency = -1 }, wantErr: true},
		{name: "negative timeout", modify: func(c *Config) { c.InvocationTimeout = -time.Second }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{Logger: testLogger(t), Registry: testRegistry(t, nil)}
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg.Clock)
			require.Equal(t, defaultMaxConcurrency, cfg.MaxConcurrency)
			require.Equal(t, defaultInvocationTimeout, cfg.InvocationTimeout)
		})
	}
}

func TestMultiplexer_Sessions(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMultiplexer(t, Config{Clock: clock})

	a, err := m.Open("a", TransportHTTP)
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := m.Open("", TransportStdio)
	require.NoError(t, err)
	require.NotEmpty(t, b.ID())

	again, err := m.Open("a", TransportHTTP)
	require.NoError(t, err)
	require.Same(t, a, again)
	require.Equal(t, 2, m.Len())

	snaps := m.Sessions()
	require.Len(t, snaps, 2)
	require.Equal(t, "a", snaps[0].ID)
	require.Equal(t, b.ID(), snaps[1].ID)
	require.Equal(t, "open", snaps[0].State)

	require.True(t, m.Close("a"))
	require.False(t, m.Close("a"))
	require.Equal(t, Closed, a.State())
	_, ok := m.Get("a")
	require.False(t, ok)

	_, err = m.Dispatch(t.Context(), a, invoke.Request{Operation: "echo"})
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestMultiplexer_Reap(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMultiplexer(t, Config{Clock: clock})
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Open(id, TransportHTTP)
		require.NoError(t, err)
	}

	require.Equal(t, 1, m.Reap(func(id string) bool { return id != "b" }))
	require.Equal(t, 2, m.Len())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	m.StartReaper(ctx, time.Minute, func(id string) bool { return id == "a" })
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := m.Get("a")
	require.True(t, ok)
}

func TestMultiplexer_Dispatch(t *testing.T) {
	t.Parallel()

	t.Run("unknown operation keeps the session usable", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{}
		m := newTestMultiplexer(t, Config{Observers: []Observer{rec}})
		s, err := m.Open("s1", TransportHTTP)
		require.NoError(t, err)

		resp, err := m.Dispatch(t.Context(), s, invoke.Request{Operation: "nonexistent"})
		require.NoError(t, err)
		require.True(t, resp.Failed())
		require.Equal(t, invoke.UnknownOperation, resp.Err.Kind)
		require.Contains(t, resp.Err.Error(), `"nonexistent"`)

		resp, err = m.Dispatch(t.Context(), s, invoke.Request{Operation: "echo", Arguments: map[string]any{"text": "hi"}})
		require.NoError(t, err)
		require.Nil(t, resp.Err)
		require.Equal(t, "s1:hi", resp.Result)

		events := rec.list()
		require.Len(t, events, 2)
		require.Equal(t, StatusError, events[0].Status)
		require.Equal(t, "UnknownOperation", events[0].ErrorKind)
		require.Equal(t, StatusSuccess, events[1].Status)
	})

	t.Run("data source failure is reported once", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{}
		m := newTestMultiplexer(t, Config{Observers: []Observer{rec}})
		s1, err := m.Open("s1", TransportHTTP)
		require.NoError(t, err)
		s2, err := m.Open("s2", TransportHTTP)
		require.NoError(t, err)

		resp, err := m.Dispatch(t.Context(), s1, invoke.Request{Operation: "fail"})
		require.NoError(t, err)
		require.Equal(t, invoke.ExternalQueryError, resp.Err.Kind)
		require.Contains(t, resp.Err.Message, "connection refused")
		require.Len(t, rec.list(), 1)

		for _, s := range []*Session{s1, s2} {
			resp, err := m.Dispatch(t.Context(), s, invoke.Request{Operation: "echo", Arguments: map[string]any{"text": "ok"}})
			require.NoError(t, err)
			require.Equal(t, s.ID()+":ok", resp.Result)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		t.Parallel()

		m := newTestMultiplexer(t, Config{})
		s, err := m.Open("s1", TransportHTTP)
		require.NoError(t, err)

		resp, err := m.Dispatch(t.Context(), s, invoke.Request{Operation: "echo", Arguments: map[string]any{"text": 1}})
		require.NoError(t, err)
		require.Equal(t, invoke.InvalidArguments, resp.Err.Kind)
	})

	t.Run("panics become errors", func(t *testing.T) {
		t.Parallel()

		m := newTestMultiplexer(t, Config{})
		s, err := m.Open("s1", TransportHTTP)
		require.NoError(t, err)

		resp, err := m.Dispatch(t.Context(), s, invoke.Request{Operation: "panic"})
		require.NoError(t, err)
		require.Equal(t, invoke.ExternalQueryError, resp.Err.Kind)
		require.Contains(t, resp.Err.Message, "boom")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		m := newTestMultiplexer(t, Config{InvocationTimeout: 50 * time.Millisecond})
		s, err := m.Open("s1", TransportHTTP)
		require.NoError(t, err)

		resp, err := m.Dispatch(t.Context(), s, invoke.Request{Operation: "block"})
		require.NoError(t, err)
		require.Equal(t, invoke.ExternalQueryError, resp.Err.Kind)
		require.Contains(t, resp.Err.Message, "timed out")
	})
}

func TestMultiplexer_ConcurrentSessions(t *testing.T) {
	t.Parallel()

	m := newTestMultiplexer(t, Config{})
	delays := []time.Duration{150 * time.Millisecond, 300 * time.Millisecond, 450 * time.Millisecond, 300 * time.Millisecond}

	var (
		wg      sync.WaitGroup
		results = make([]string, len(delays))
		errs    = make([]error, len(delays))
	)
	start := time.Now()
	for i, d := range delays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open(fmt.Sprintf("client-%d", i), TransportHTTP)
			if err != nil {
				errs[i] = err
				return
			}
			resp, err := m.Dispatch(t.Context(), s, invoke.Request{
				Operation: "echo",
				Arguments: map[string]any{"text": fmt.Sprint(i), "delay": d.String()},
			})
			errs[i] = err
			results[i] = resp.Result
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i := range delays {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("client-%d:%d", i, i), results[i])
	}
	require.Less(t, elapsed, 900*time.Millisecond, "sessions must not wait for each other")
}

func TestMultiplexer_CloseDuringInvocation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	rec := &recorder{}
	m := newTestMultiplexer(t, Config{Registry: testRegistry(t, release), Observers: []Observer{rec}})

	gone, err := m.Open("gone", TransportHTTP)
	require.NoError(t, err)
	other, err := m.Open("other", TransportHTTP)
	require.NoError(t, err)

	type result struct {
		resp invoke.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := m.Dispatch(context.Background(), gone, invoke.Request{Operation: "block"})
		done <- result{resp, err}
	}()

	require.Eventually(t, func() bool { return gone.InFlight() == 1 }, time.Second, time.Millisecond)
	require.True(t, m.Close("gone"))

	resp, err := m.Dispatch(t.Context(), other, invoke.Request{Operation: "echo", Arguments: map[string]any{"text": "still here"}})
	require.NoError(t, err)
	require.Equal(t, "other:still here", resp.Result)

	close(release)
	r := <-done
	require.ErrorIs(t, r.err, ErrSessionClosed)
	require.Empty(t, r.resp.Result)
	require.Nil(t, r.resp.Err)

	require.Eventually(t, func() bool {
		for _, ev := range rec.list() {
			if ev.SessionID == "gone" && ev.Status == StatusDiscarded {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestMultiplexer_Shutdown(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	m := newTestMultiplexer(t, Config{Registry: testRegistry(t, release)})
	s, err := m.Open("s1", TransportHTTP)
	require.NoError(t, err)

	done := make(chan invoke.Response, 1)
	go func() {
		resp, _ := m.Dispatch(context.Background(), s, invoke.Request{Operation: "block"})
		done <- resp
	}()
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, time.Millisecond)

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- m.Shutdown(context.Background())
	}()

	require.Eventually(t, func() bool {
		_, err := m.Open("late", TransportHTTP)
		return invoke.KindOf(err) == invoke.ServerShuttingDown
	}, time.Second, time.Millisecond)

	resp, err := m.Dispatch(t.Context(), s, invoke.Request{Operation: "echo"})
	require.NoError(t, err)
	require.Equal(t, invoke.ServerShuttingDown, resp.Err.Kind)

	close(release)
	require.NoError(t, <-shutdownErr)
	require.Equal(t, 0, m.Len())
	<-done
}
