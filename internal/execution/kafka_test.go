package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, cfg)
}

func TestNewKafkaDispatcher_Validation(t *testing.T) {
	_, err := NewKafkaDispatcher(KafkaConfig{Topic: "signals"})
	assert.Error(t, err)

	_, err = NewKafkaDispatcherWithProducer(nil, "signals")
	assert.Error(t, err)

	p := newMockProducer(t)
	defer p.Close()
	_, err = NewKafkaDispatcherWithProducer(p, "")
	assert.Error(t, err)
}

func TestProducerConfig(t *testing.T) {
	cfg := producerConfig(KafkaConfig{ClientID: "sentinel"})
	assert.Equal(t, "sentinel", cfg.ClientID)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.NoError(t, cfg.Validate())
}

func TestKafkaDispatcher_Message(t *testing.T) {
	p := newMockProducer(t)
	defer p.Close()
	d, err := NewKafkaDispatcherWithProducer(p, "signals")
	require.NoError(t, err)

	sig := createTestSignal()
	msg, err := d.message(sig)
	require.NoError(t, err)

	assert.Equal(t, "signals", msg.Topic)
	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", string(key))
	assert.Equal(t, sig.Timestamp, msg.Timestamp)

	require.Len(t, msg.Headers, 2)
	assert.Equal(t, HeaderSignalID, string(msg.Headers[0].Key))
	assert.Equal(t, sig.ID, string(msg.Headers[0].Value))
	assert.Equal(t, "reversal", string(msg.Headers[1].Value))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(value, &payload))
	assert.Equal(t, sig.ID, payload["id"])
	assert.Equal(t, "reversal", payload["kind"])
	assert.Equal(t, "short", payload["direction"])
	assert.Equal(t, 64250.5, payload["price"])
}

func TestKafkaDispatcher_Dispatch(t *testing.T) {
	sig := createTestSignal()

	t.Run("published", func(t *testing.T) {
		p := newMockProducer(t)
		p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var payload map[string]any
			if err := json.Unmarshal(val, &payload); err != nil {
				return err
			}
			if payload["symbol"] != "BTCUSDT" {
				return errors.New("unexpected symbol")
			}
			return nil
		})

		d, err := NewKafkaDispatcherWithProducer(p, "signals")
		require.NoError(t, err)
		assert.NoError(t, d.Dispatch(context.Background(), sig))
		assert.NoError(t, d.Close())
	})

	t.Run("broker error", func(t *testing.T) {
		p := newMockProducer(t)
		p.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

		d, err := NewKafkaDispatcherWithProducer(p, "signals")
		require.NoError(t, err)
		err = d.Dispatch(context.Background(), sig)
		assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
		assert.NoError(t, d.Close())
	})

	t.Run("context already done", func(t *testing.T) {
		p := newMockProducer(t)
		d, err := NewKafkaDispatcherWithProducer(p, "signals")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()

		assert.ErrorIs(t, d.Dispatch(ctx, sig), context.DeadlineExceeded)
		assert.NoError(t, d.Close())
	})
}
