package feed

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/internal/config"
	"github.com/finsight/marketstream/internal/stream"
)

// RedisFeed consumes the market-data pub/sub channels and forwards decoded
// events to the router. Price ticks are lossy by design; a dropped tick is
// superseded by the next one.
type RedisFeed struct {
	client    *redis.Client
	cfg       config.RedisFeedConfig
	publisher Publisher
	logger    *zap.Logger
}

// NewRedisFeed connects a consumer to the given redis address.
func NewRedisFeed(cfg config.RedisFeedConfig, publisher Publisher, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{
		client:    redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
	}
}

// Run subscribes to the price and status channels and pumps messages until
// ctx is cancelled.
func (f *RedisFeed) Run(ctx context.Context) error {
	pubsub := f.client.Subscribe(ctx, f.cfg.PriceChannel, f.cfg.StatusChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	f.logger.Info("redis feed started",
		zap.String("addr", f.cfg.Addr),
		zap.String("price_channel", f.cfg.PriceChannel),
		zap.String("status_channel", f.cfg.StatusChannel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (f *RedisFeed) handle(channel string, payload []byte) {
	var (
		ev  stream.Event
		err error
	)
	switch channel {
	case f.cfg.PriceChannel:
		ev, err = DecodePriceTick(payload)
	case f.cfg.StatusChannel:
		ev, err = DecodeMarketStatus(payload)
	default:
		return
	}
	if err != nil {
		f.logger.Warn("discarding malformed feed message",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	if err := f.publisher.Publish(ev); err != nil {
		f.logger.Debug("event shed at router", zap.String("kind", string(ev.Kind)))
	}
}

// Close releases the redis connection.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}
