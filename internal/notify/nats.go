// Package notify publishes dead letters to external systems.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dovewarden/retryq/internal/queue"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix dead letters are published under.
const DefaultSubject = "retryq.dead_letters"

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Subject is the prefix; the queue key is appended as the last token.
	Subject string

	// Name is the client name for identification.
	Name string

	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Subject:        DefaultSubject,
		Name:           "retryq",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // unlimited
	}
}

// NATSPublisher is a queue.DeadLetterSink publishing every dead letter as JSON.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p := NewNATSPublisherFromConn(conn, cfg.Subject)
	p.owned = true
	return p, nil
}

// NewNATSPublisherFromConn publishes on an existing connection, which the
// caller keeps ownership of.
func NewNATSPublisherFromConn(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// Subject returns the subject dead letters of the given queue key go to.
func (p *NATSPublisher) Subject(queueKey string) string {
	return p.subject + "." + subjectToken(queueKey)
}

// DeadLetter publishes dl. The dead letter id is used as message id so
// JetStream can deduplicate retried publishes.
func (p *NATSPublisher) DeadLetter(ctx context.Context, dl queue.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	msg := nats.NewMsg(p.Subject(dl.Queue))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, dl.ID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes a connection opened by NewNATSPublisher.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	err := p.conn.Flush()
	p.conn.Close()
	return err
}

// subjectToken makes a queue key usable as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
