package hooks

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/civicstack/civic/internal/config"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Forwarder publishes every emission to a NATS subject tree so external
// services can subscribe without touching the data directory. The
// subject is the event name with ':' mapped to '.', e.g.
// civic.record.created.
type Forwarder struct {
	conn   *nats.Conn
	prefix string
}

// NewForwarder connects to the configured NATS server.
func NewForwarder(cfg *config.NATSForwarding) (*Forwarder, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("civic-hook-forwarder"))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryHook, "connect to nats").
			WithContext("url", cfg.URL).Retryable().Build()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "civic"
	}
	return &Forwarder{conn: conn, prefix: prefix}, nil
}

// Handler returns the bus handler that forwards events.
func (f *Forwarder) Handler() Handler {
	return func(_ context.Context, e Event) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryHook, "encode event").Build()
		}
		subject := f.prefix + "." + strings.ReplaceAll(e.Name, ":", ".")
		if err := f.conn.Publish(subject, payload); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryHook, "publish event").
				WithContext("subject", subject).Retryable().Build()
		}
		return nil
	}
}

// Close flushes and drops the connection.
func (f *Forwarder) Close() error {
	if err := f.conn.Flush(); err != nil {
		f.conn.Close()
		return ferrors.Wrap(err, ferrors.CategoryHook, "flush nats connection").Build()
	}
	f.conn.Close()
	return nil
}
