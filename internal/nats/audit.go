package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/litesql/databricks-mcp/internal/metrics"
	"github.com/litesql/databricks-mcp/internal/session"
)

const (
	defaultAuditStream  = "dbxmcp_audit"
	defaultAuditTimeout = 15 * time.Second
	defaultAuditQueue   = 1024
	maxPendingAudit     = 1024
)

type AuditConfig struct {
	Logger *slog.Logger
	// Conn is used when set, otherwise the publisher connects to URL and
	// owns the connection.
	Conn *nats.Conn
	URL  string

	Stream   string
	Replicas int
	MaxAge   time.Duration
	Timeout  time.Duration

	// QueueSize bounds the events waiting to be published. Events observed
	// while the queue is full are dropped.
	QueueSize int
}

func (cfg *AuditConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Conn == nil && cfg.URL == "" {
		return fmt.Errorf("connection or url is required")
	}
	if cfg.Replicas < 0 || cfg.Replicas > 5 {
		return fmt.Errorf("replicas must be between 1 and 5")
	}
	if cfg.Stream == "" {
		cfg.Stream = defaultAuditStream
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAuditTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultAuditQueue
	}
	return nil
}

// AuditPublisher appends one message per finished invocation to a JetStream
// stream. Subjects are "<stream>.<status>". Events are queued and published
// by a single goroutine, so a slow or unreachable server never stalls the
// invocation that produced them.
type AuditPublisher struct {
	log      *slog.Logger
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   string
	timeout  time.Duration
	ownsConn bool

	queue     chan session.Event
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func NewAuditPublisher(ctx context.Context, cfg AuditConfig) (*AuditPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate audit config: %w", err)
	}
	log := cfg.Logger

	nc, ownsConn := cfg.Conn, false
	if nc == nil {
		var err error
		nc, err = nats.Connect(cfg.URL,
			nats.Name("databricks-mcp audit"),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info("nats: reconnected", "url", c.ConnectedUrl())
			}),
			nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
				log.Warn("nats: disconnected", "url", c.ConnectedUrl(), "error", err)
			}),
			nats.ClosedHandler(func(c *nats.Conn) {
				log.Info("nats: connection closed")
			}))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		ownsConn = true
	}

	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(maxPendingAudit),
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			metrics.AuditPublishFailuresTotal.Inc()
			log.Warn("nats: failed to publish audit event", "subject", msg.Subject, "error", err)
		}),
	)
	if err != nil {
		if ownsConn {
			nc.Close()
		}
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Replicas:  cfg.Replicas,
		Subjects:  []string{cfg.Stream + ".>"},
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
		Discard:   jetstream.DiscardOld,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		if nc.ConnectedClusterName() == "" {
			if ownsConn {
				nc.Close()
			}
			return nil, fmt.Errorf("failed to create audit stream %q: %w", cfg.Stream, err)
		}
		log.Warn("nats: failed to create or update audit stream", "stream", cfg.Stream, "error", err)
	}

	log.Info("nats: publishing audit events", "stream", cfg.Stream, "replicas", cfg.Replicas, "maxAge", cfg.MaxAge)
	p := newAuditPublisher(log, cfg.QueueSize)
	p.nc = nc
	p.js = js
	p.stream = cfg.Stream
	p.timeout = cfg.Timeout
	p.ownsConn = ownsConn
	go p.loop()
	return p, nil
}

func newAuditPublisher(log *slog.Logger, queueSize int) *AuditPublisher {
	return &AuditPublisher{
		log:     log,
		queue:   make(chan session.Event, queueSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

func (p *AuditPublisher) Subject(ev session.Event) string {
	return p.stream + "." + ev.Status
}

// Observe queues ev for publishing and never blocks. Events are dropped
// when the queue is full or the publisher is closed.
func (p *AuditPublisher) Observe(ev session.Event) {
	select {
	case <-p.done:
		p.drop(ev, "publisher closed")
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.drop(ev, "queue full")
	}
}

// Dropped returns how many events were never queued.
func (p *AuditPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *AuditPublisher) drop(ev session.Event, reason string) {
	p.dropped.Add(1)
	metrics.AuditEventsDroppedTotal.Inc()
	p.log.Debug("nats: dropping audit event", "session", ev.SessionID, "reason", reason)
}

func (p *AuditPublisher) loop() {
	defer close(p.drained)
	for {
		select {
		case ev := <-p.queue:
			p.publish(ev)
		case <-p.done:
			for {
				select {
				case ev := <-p.queue:
					p.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *AuditPublisher) publish(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("nats: failed to encode audit event", "session", ev.SessionID, "error", err)
		return
	}
	if _, err := p.js.PublishAsync(p.Subject(ev), data); err != nil {
		metrics.AuditPublishFailuresTotal.Inc()
		p.log.Warn("nats: failed to publish audit event", "session", ev.SessionID, "error", err)
	}
}

// Close publishes the queued events, waits for pending acknowledgements and
// releases the connection when the publisher opened it.
func (p *AuditPublisher) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.closeOnce.Do(func() { close(p.done) })
	var err error
	select {
	case <-p.drained:
		select {
		case <-p.js.PublishAsyncComplete():
		case <-ctx.Done():
			err = fmt.Errorf("failed to flush %d audit events: %w", p.js.PublishAsyncPending(), ctx.Err())
		}
	case <-ctx.Done():
		err = fmt.Errorf("failed to publish %d queued audit events: %w", len(p.queue), ctx.Err())
	}
	if p.ownsConn {
		p.nc.Close()
	}
	return err
}
