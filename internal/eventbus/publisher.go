// Package eventbus publishes import lifecycle events to NATS.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectImportCompleted carries one ImportCompleted per finished upload.
const SubjectImportCompleted = "scanner.import.completed"

type ImportCompleted struct {
	UploadID    string         `json:"upload_id"`
	Integration string         `json:"integration"`
	Filename    string         `json:"filename"`
	FileHash    string         `json:"file_hash"`
	Status      string         `json:"status"`
	Stats       map[string]any `json:"stats"`
	CompletedAt time.Time      `json:"completed_at"`
}

type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewPublisher(natsURL string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(natsURL,
		nats.Name("vuln-importer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", natsURL, err)
	}
	logger.Info("connected to NATS", "url", natsURL)
	return &Publisher{conn: conn, logger: logger}, nil
}

func encode(evt ImportCompleted) ([]byte, error) {
	if evt.Stats == nil {
		evt.Stats = map[string]any{}
	}
	return json.Marshal(evt)
}

// PublishImportCompleted publishes evt. The context bounds nothing on the
// wire; it is checked so a cancelled request does not emit an event.
func (p *Publisher) PublishImportCompleted(ctx context.Context, evt ImportCompleted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(evt)
	if err != nil {
		return fmt.Errorf("encode import event: %w", err)
	}
	if err := p.conn.Publish(SubjectImportCompleted, data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectImportCompleted, err)
	}
	p.logger.Debug("published import event", "upload_id", evt.UploadID, "status", evt.Status)
	return nil
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}
