package trace

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher mirrors recorded trace events onto NATS subjects of the form
// <prefix>.<trace_id>, letting external consumers follow runs without
// holding an HTTP stream open. Publishing is best-effort: a failed publish
// is logged and never blocks or fails the pipeline.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewPublisher connects to NATS at url.
func NewPublisher(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	if prefix == "" {
		prefix = "researchd.trace"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url, nats.Name("researchd-trace-publisher"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Sink returns a recorder sink that publishes each event as JSON.
func (p *Publisher) Sink() Sink {
	return func(traceID string, ev Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			p.logger.Warn("trace event encode failed", zap.Error(err))
			return
		}
		subject := p.prefix + "." + traceID
		if err := p.conn.Publish(subject, data); err != nil {
			p.logger.Warn("trace event publish failed",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", zap.Error(err))
	}
}
