package feed

import (
	"context"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/internal/config"
)

// KafkaFeed consumes the durable account-events topic: portfolio updates,
// trade executions and AI alerts. Trade executions ride the router's
// critical path, so this reader blocks rather than sheds when the router is
// saturated.
type KafkaFeed struct {
	reader    *kafka.Reader
	publisher Publisher
	logger    *zap.Logger
}

// NewKafkaFeed creates a consumer-group reader over the account topic.
func NewKafkaFeed(cfg config.KafkaFeedConfig, publisher Publisher, logger *zap.Logger) *KafkaFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaFeed{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		}),
		publisher: publisher,
		logger:    logger,
	}
}

// Run reads messages until ctx is cancelled or the reader is closed.
func (f *KafkaFeed) Run(ctx context.Context) error {
	f.logger.Info("kafka feed started", zap.String("topic", f.reader.Config().Topic))
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return err
			}
			f.logger.Warn("kafka read error", zap.Error(err))
			continue
		}

		ev, err := DecodeAccountEvent(msg.Value)
		if err != nil {
			f.logger.Warn("discarding malformed account event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		if err := f.publisher.Publish(ev); err != nil {
			f.logger.Debug("event shed at router", zap.String("kind", string(ev.Kind)))
		}
	}
}

// Close shuts the underlying reader down.
func (f *KafkaFeed) Close() error {
	return f.reader.Close()
}
