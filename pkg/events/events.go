// Package events publishes terminal session outcomes for downstream
// consumers such as billing exports and analytics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix prefixes every published subject. The terminal
// state is appended, e.g. "genorch.sessions.completed".
const DefaultSubjectPrefix = "genorch.sessions"

// SessionEvent summarizes a finished generation session.
type SessionEvent struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	Action        string        `json:"action,omitempty"`
	Model         string        `json:"model,omitempty"`
	State         string        `json:"state"`
	Kind          string        `json:"kind,omitempty"`
	Message       string        `json:"message,omitempty"`
	ReservationID string        `json:"reservation_id,omitempty"`
	Reserved      int64         `json:"reserved"`
	Charged       int64         `json:"charged"`
	Balance       int64         `json:"balance"`
	Turns         int           `json:"turns"`
	ToolCalls     int           `json:"tool_calls"`
	Duration      time.Duration `json:"duration_ns"`
	At            time.Time     `json:"at"`
}

// Publisher delivers session events. Publish must not block session
// teardown for long; implementations bound their own latency.
type Publisher interface {
	Publish(ctx context.Context, ev SessionEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, SessionEvent) error { return nil }
func (Nop) Close() error                                { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *Recorder) Publish(_ context.Context, ev SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionEvent(nil), r.events...)
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string `yaml:"url" envconfig:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
	// JetStream persists events to the stream named here when set.
	Stream string `yaml:"stream" envconfig:"STREAM"`
}

// NATSPublisher publishes events as JSON on NATS, optionally through
// JetStream.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to the configured server.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("genorch"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	p := &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix, logger: logger}
	if p.prefix == "" {
		p.prefix = DefaultSubjectPrefix
	}

	if cfg.Stream != "" {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create jetstream context: %w", err)
		}
		if _, err := js.StreamInfo(cfg.Stream); err != nil {
			if _, err := js.AddStream(&nats.StreamConfig{
				Name:     cfg.Stream,
				Subjects: []string{p.prefix + ".>"},
			}); err != nil {
				nc.Close()
				return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
			}
		}
		p.js = js
	}
	return p, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev SessionEvent) error {
	subject, data, err := encode(p.prefix, ev)
	if err != nil {
		return err
	}
	if p.js != nil {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(ev.SessionID)); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Ping reports whether the connection is up, for readiness checks.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return p.nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

func encode(prefix string, ev SessionEvent) (string, []byte, error) {
	if ev.State == "" {
		return "", nil, fmt.Errorf("session event %s has no state", ev.SessionID)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode session event: %w", err)
	}
	return prefix + "." + ev.State, data, nil
}
