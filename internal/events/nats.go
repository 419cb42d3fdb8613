package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS publishes lifecycle events as JSON to `<prefix>.run.<run-id>`
// subjects so external health and metrics collectors can observe terminal
// states without coupling to the engine.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS connects to the given NATS URL. prefix defaults to "agentflow".
func NewNATS(url, prefix string) (*NATS, error) {
	if prefix == "" {
		prefix = "agentflow"
	}
	conn, err := nats.Connect(url, nats.Name("agentflow-events"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, prefix: prefix}, nil
}

// Publish implements Sink.
func (n *NATS) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	return n.conn.Publish(Subject(n.prefix, ev), payload)
}

// Close flushes and drops the connection.
func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Flush()
		n.conn.Close()
	}
}

// Subject derives the publish subject for an event.
func Subject(prefix string, ev Event) string {
	return fmt.Sprintf("%s.run.%s", prefix, ev.RunID)
}

// Encode renders the wire payload for an event.
func Encode(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}
