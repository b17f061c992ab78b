// Package amqp republishes dashboard events onto RabbitMQ queues for external
// consumers (alerting, archival). It is optional: the service runs without it
// when no broker URI is configured.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/ledger"
)

const (
	completedTradesQueue = "Dashboard_Completed_Trades"
	sessionEventsQueue   = "Dashboard_Session_Events"

	publishTimeout = 5 * time.Second
)

// Publisher sends dashboard events to RabbitMQ.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     *log.Entry
}

// NewPublisher connects with retries and declares the dashboard queues.
func NewPublisher(uri string) (*Publisher, error) {
	var conn *amqp091.Connection
	var err error

	for i := 0; i < 10; i++ {
		conn, err = amqp091.Dial(uri)
		if err == nil {
			break
		}
		log.Warnf("RabbitMQ connection attempt %d failed: %s", i+1, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after 10 attempts: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	for _, queue := range []string{completedTradesQueue, sessionEventsQueue} {
		if _, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %q: %w", queue, err)
		}
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
		log:     log.WithField("component", "amqp"),
	}, nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// completedTradeEvent is the republished trade payload: the trade's own fields
// plus the session that produced it.
type completedTradeEvent struct {
	SessionID string `json:"sessionId"`
	ledger.CompletedTrade
}

// RecordCompletedTrade mirrors a matched trade onto the broker. Implements
// ledger.Recorder; the publish runs off the reducer goroutine.
func (p *Publisher) RecordCompletedTrade(sessionID string, trade ledger.CompletedTrade) {
	go func() {
		ev := completedTradeEvent{SessionID: sessionID, CompletedTrade: trade}
		if err := p.publishJSON(completedTradesQueue, ev); err != nil {
			p.log.WithError(err).Warn("completed trade publish failed")
		}
	}()
}

// sessionEvent is the republished session transition payload.
type sessionEvent struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	At        int64  `json:"at"`
}

// PublishSessionTransition mirrors a session state change onto the broker.
func (p *Publisher) PublishSessionTransition(sessionID, state string) {
	go func() {
		ev := sessionEvent{SessionID: sessionID, State: state, At: time.Now().UnixMilli()}
		if err := p.publishJSON(sessionEventsQueue, ev); err != nil {
			p.log.WithError(err).Warn("session event publish failed")
		}
	}()
}

func (p *Publisher) publishJSON(queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return p.channel.PublishWithContext(ctx,
		"", // default exchange
		queue,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.NewString(),
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}
