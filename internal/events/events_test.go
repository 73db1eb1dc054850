package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventKeyPrefersOrderThenPayout(t *testing.T) {
	assert.Equal(t, "order:o1", Event{OrderID: "o1", PayoutID: "p1"}.Key())
	assert.Equal(t, "payout:p1", Event{PayoutID: "p1", WalletID: "w1"}.Key())
	assert.Equal(t, "wallet:w1", Event{WalletID: "w1"}.Key())
}

func TestRecorderKeepsOrder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), Event{Type: EscrowHeld})
	_ = r.Publish(context.Background(), Event{Type: EscrowReleased})
	assert.Equal(t, []string{EscrowHeld, EscrowReleased}, r.Types())
}

func TestKafkaPublishDoesNotWaitForBroker(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "settlement.events", zap.New(core))
	assert.True(t, p.writer.Async)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, p.Publish(ctx, Event{Type: EscrowReleased, OrderID: "o1"}))
	assert.Less(t, time.Since(start), time.Second)

	// the failed delivery surfaces in the log, not to the caller
	require.Eventually(t, func() bool {
		return logs.FilterMessage("event delivery failed").Len() > 0
	}, 30*time.Second, 50*time.Millisecond)
	_ = p.Close()
}
