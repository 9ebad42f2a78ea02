package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/stocksim/internal/models"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleTrade() models.TradeRecord {
	return models.TradeRecord{
		ID:         9,
		UserID:     3,
		Code:       "ACME",
		Side:       models.SideSell,
		Price:      decimal.RequireFromString("101.25"),
		Quantity:   4,
		ExecutedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTradePublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &TradePublisher{w: w, log: zap.NewNop()}

	p.Publish(sampleTrade())
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "3", string(msg.Key))
	assert.Equal(t, "sell", string(msg.Headers[0].Value))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "ACME", got["stock_code"])
	assert.Equal(t, "sell", got["type"])
	assert.Equal(t, "101.25", got["price"])
	assert.Equal(t, float64(4), got["quantity"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestTradePublisher_WriteErrorIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &TradePublisher{w: w, log: zap.NewNop()}

	assert.NotPanics(t, func() { p.Publish(sampleTrade()) })
	assert.Empty(t, w.msgs)
}

func TestEncodeQuotes(t *testing.T) {
	quotes := map[string]models.Quote{
		"ACME": {Name: "Acme Corp", Price: decimal.RequireFromString("100.5"), ChangePct: decimal.RequireFromString("-1.2")},
	}

	fields, payload, err := encodeQuotes(quotes)
	require.NoError(t, err)
	require.Contains(t, fields, "ACME")

	var q map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(fields["ACME"].(string)), &q))
	assert.Equal(t, "Acme Corp", q["company_name"])
	assert.Equal(t, "100.5", q["price"])
	assert.Equal(t, "-1.2", q["change"])

	var snapshot map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &snapshot))
	assert.Equal(t, "100.5", snapshot["ACME"]["price"])
}

func TestQuotePublisher_UnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	p := NewQuotePublisher(client, "quotes", "ticks", zap.NewNop())
	assert.NotPanics(t, func() {
		p.Publish(map[string]models.Quote{"ACME": {Name: "Acme", Price: decimal.NewFromInt(1)}})
	})
}
