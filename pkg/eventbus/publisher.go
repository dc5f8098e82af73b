// Package eventbus publishes domain events to NATS.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventbus: publisher closed")

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	IsClosed() bool
}

// Envelope wraps every published payload.
type Envelope struct {
	Subject     string          `json:"subject"`
	PublishedAt time.Time       `json:"publishedAt"`
	Data        json.RawMessage `json:"data"`
}

// NATSPublisher publishes JSON envelopes to a single subject.
type NATSPublisher struct {
	nc      conn
	subject string
	now     func() time.Time
	log     *zap.Logger
}

// Connect dials NATS and returns a publisher bound to cfg.Subject.
func Connect(cfg config.NATSConfig, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.Named("eventbus")
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("visitguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect %s: %w", cfg.URL, err)
	}

	log.Info("connected to nats", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))
	return newPublisher(nc, cfg.Subject, log), nil
}

func newPublisher(nc conn, subject string, log *zap.Logger) *NATSPublisher {
	if log == nil {
		log = logger.Named("eventbus")
	}
	return &NATSPublisher{nc: nc, subject: subject, now: time.Now, log: log}
}

// Publish marshals event into an envelope and publishes it. Delivery is at
// most once.
func (p *NATSPublisher) Publish(ctx context.Context, event interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	body, err := json.Marshal(Envelope{Subject: p.subject, PublishedAt: p.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	if err := p.nc.Publish(p.subject, body); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", p.subject, err)
	}
	return nil
}

// Close flushes pending messages and drains the connection.
func (p *NATSPublisher) Close(ctx context.Context) error {
	if p.nc.IsClosed() {
		return nil
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		p.log.Warn("nats flush failed", zap.Error(err))
	}
	return p.nc.Drain()
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, interface{}) error { return nil }
