// Package events publishes trades and quotes to external consumers. Publishing
// happens after the fact and never affects the outcome of a trade or tick.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/stocksim/internal/models"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TradePublisher streams executed trades to a Kafka topic, keyed by user so a
// user's trades stay ordered within a partition
type TradePublisher struct {
	w   messageWriter
	log *zap.Logger
}

// NewTradePublisher creates an asynchronous publisher for topic
func NewTradePublisher(brokers []string, topic string, log *zap.Logger) *TradePublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("trade events not delivered", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	return &TradePublisher{w: w, log: log}
}

// tradeMessage encodes a trade record as a Kafka message
func tradeMessage(rec models.TradeRecord) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.Itoa(rec.UserID)),
		Value: value,
		Time:  rec.ExecutedAt,
		Headers: []kafka.Header{
			{Key: "side", Value: []byte(rec.Side)},
		},
	}, nil
}

// Publish queues a trade record. It does not block on the broker.
func (p *TradePublisher) Publish(rec models.TradeRecord) {
	msg, err := tradeMessage(rec)
	if err != nil {
		p.log.Error("failed to encode trade event", zap.Int("trade_id", rec.ID), zap.Error(err))
		return
	}
	if err := p.w.WriteMessages(context.Background(), msg); err != nil {
		p.log.Warn("failed to queue trade event", zap.Int("trade_id", rec.ID), zap.Error(err))
	}
}

// Close flushes pending messages and closes the writer
func (p *TradePublisher) Close() error {
	return p.w.Close()
}
