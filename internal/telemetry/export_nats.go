// internal/telemetry/export_nats.go
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/mcoda/mcoda/internal/types"
)

// UsageSubject is the NATS subject usage events are exported on.
const UsageSubject = "mcoda.telemetry.usage"

// NATSExporter publishes usage events to a NATS endpoint. It reconnects
// indefinitely; a publish while disconnected is buffered by the client.
type NATSExporter struct {
	conn    *nc.Conn
	subject string
}

// NewNATSExporter connects to the given NATS URL with reconnect handling.
func NewNATSExporter(url string) (*NATSExporter, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				slog.Warn("telemetry sink disconnected", "error", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			slog.Info("telemetry sink reconnected", "url", conn.ConnectedUrl())
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to telemetry sink: %w", err)
	}
	return &NATSExporter{conn: conn, subject: UsageSubject}, nil
}

// Export publishes one usage event as JSON.
func (e *NATSExporter) Export(event *types.TokenUsage) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	if err := e.conn.Publish(e.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", e.subject, err)
	}
	return nil
}

// Flush flushes buffered publishes to the server.
func (e *NATSExporter) Flush() error {
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("flush telemetry sink: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (e *NATSExporter) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}
