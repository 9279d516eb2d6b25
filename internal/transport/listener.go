// Package transport subscribes to the position stream and feeds raw
// messages into the pipeline. Connection lifecycle (reconnect with backoff,
// resubscription) is owned here; processing is the pipeline's job.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"agv-rtls/ingest/internal/config"
	"agv-rtls/ingest/internal/domain"
	"agv-rtls/ingest/internal/metrics"
)

// Enqueuer receives raw readings from the delivery callback. The callback
// must never block, so implementations shed load instead of waiting.
type Enqueuer interface {
	Enqueue(msg *domain.RawReading)
}

type Listener struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	sink    Enqueuer
	logger  *slog.Logger
}

// NewListener connects to the broker with exponential backoff on reconnect
// and resubscription handled by the client. Connection loss is never fatal
// to the process.
func NewListener(cfg *config.Config, sink Enqueuer, logger *slog.Logger) (*Listener, error) {
	l := &Listener{
		subject: cfg.SubjectPattern,
		sink:    sink,
		logger:  logger,
	}

	baseWait := time.Duration(cfg.ReconnectWaitMS) * time.Millisecond
	maxWait := time.Duration(cfg.MaxReconnectMS) * time.Millisecond

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(baseWait),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			// base × 2^attempts, capped.
			delay := baseWait
			for i := 0; i < attempts && delay < maxWait; i++ {
				delay *= 2
			}
			if delay > maxWait {
				delay = maxWait
			}
			return delay
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from broker", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.Reconnects.Add(1)
			logger.Info("reconnected to broker", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("broker connection closed")
		}),
	}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.NATSURL, err)
	}
	l.conn = conn
	return l, nil
}

// Start subscribes to the position subject. The delivery callback only
// decodes and enqueues; it must not starve the client's I/O loop.
func (l *Listener) Start() error {
	sub, err := l.conn.Subscribe(l.subject, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}
	l.sub = sub
	l.logger.Info("subscribed", "subject", l.subject)
	return nil
}

func (l *Listener) handle(msg *nats.Msg) {
	metrics.MessagesReceived.Add(1)

	var raw domain.RawReading
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		metrics.MessagesFailed.Add(1)
		l.logger.Warn("invalid message payload", "subject", msg.Subject, "error", err)
		return
	}

	// Entity id may ride on the subject (rtls.<id>.position); the payload's
	// own field takes precedence when both are present.
	if raw.EntityID == "" {
		if parts := strings.Split(msg.Subject, "."); len(parts) >= 2 {
			raw.EntityID = parts[1]
		}
	}
	raw.ReceivedAt = time.Now().UTC()

	l.sink.Enqueue(&raw)
}

// Stop unsubscribes so no new messages are accepted. The connection stays
// open until Close so the final flush can complete first.
func (l *Listener) Stop() {
	if l.sub != nil {
		if err := l.sub.Unsubscribe(); err != nil {
			l.logger.Warn("unsubscribe failed", "error", err)
		}
		l.sub = nil
	}
}

// Close tears down the broker connection.
func (l *Listener) Close() {
	l.conn.Close()
}
