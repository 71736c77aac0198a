package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentinel/internal/model"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// HeaderSignalID carries Signal.ID so consumers can drop redeliveries.
const HeaderSignalID = "signal-id"

// KafkaConfig configures the Kafka producer.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaDispatcher publishes signals as JSON, keyed by symbol so that every
// signal of a symbol lands on the same partition in order.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaDispatcher connects a synchronous producer to the brokers.
func NewKafkaDispatcher(cfg KafkaConfig) (*KafkaDispatcher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	d, err := NewKafkaDispatcherWithProducer(producer, cfg.Topic)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return d, nil
}

// NewKafkaDispatcherWithProducer wraps an existing producer.
func NewKafkaDispatcherWithProducer(producer sarama.SyncProducer, topic string) (*KafkaDispatcher, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &KafkaDispatcher{producer: producer, topic: topic}, nil
}

func producerConfig(cfg KafkaConfig) *sarama.Config {
	config := sarama.NewConfig()
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.Retry.Backoff = 250 * time.Millisecond
	config.Producer.Partitioner = sarama.NewHashPartitioner
	return config
}

// message builds the record for sig.
func (k *KafkaDispatcher) message(sig model.Signal) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic:     k.topic,
		Key:       sarama.StringEncoder(sig.Symbol),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: sig.Timestamp,
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderSignalID), Value: []byte(sig.ID)},
			{Key: []byte("signal-kind"), Value: []byte(sig.Kind.String())},
		},
	}, nil
}

// Dispatch implements Dispatcher. The producer itself does not honour ctx;
// when ctx ends first the send keeps going in the background and may still
// succeed, which the signal-id header lets consumers deduplicate.
func (k *KafkaDispatcher) Dispatch(ctx context.Context, sig model.Signal) error {
	msg, err := k.message(sig)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		p, o, err := k.producer.SendMessage(msg)
		done <- result{partition: p, offset: o, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("publish signal %s: %w", sig.ID, r.err)
		}
		log.Debug().
			Str("component", "execution").
			Str("topic", k.topic).
			Str("signalId", sig.ID).
			Int32("partition", r.partition).
			Int64("offset", r.offset).
			Msg("signal published")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish signal %s: %w", sig.ID, ctx.Err())
	}
}

// Close flushes and closes the producer.
func (k *KafkaDispatcher) Close() error {
	return k.producer.Close()
}
