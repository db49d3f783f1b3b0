// Package kafkaconsumer applies invalidation events from Kafka to the tile
// cache.
package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/frafra/is-osm-uptodate/internal/core/observability"
	"github.com/frafra/is-osm-uptodate/internal/invalidation"
	mylog "github.com/frafra/is-osm-uptodate/internal/logger"
)

// Invalidator drops every cached variant of the given tiles.
type Invalidator interface {
	Invalidate(ctx context.Context, quadkeys ...string) (int, error)
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	inv     Invalidator
	zTarget int
	seen    *dedupe
}

func New(cfg Config, logger *slog.Logger, inv Invalidator, zTarget int) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:     cfg,
		logger:  logger,
		inv:     inv,
		zTarget: zTarget,
		seen:    newDedupe(cfg.DedupeSize),
	}
}

// Start consumes invalidation events until ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	if c.inv == nil {
		return errors.New("kafkaconsumer: missing invalidator")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.ClientID = "is-osm-uptodate"
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	ctx = mylog.WithComponent(ctx, "kafka_consumer")
	handler := &groupHandler{process: c.ProcessOne, attempts: c.cfg.Attempts, retryDelay: c.cfg.RetryDelay}

	c.logger.InfoContext(ctx, "kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "kafka consumer error", "err", err, "topic", c.cfg.Topic)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "kafka invalidation consumer shutting down")
			return nil
		}
	}
}

// ProcessOne applies a single message. Malformed events are logged and
// skipped; only cache failures are returned, so the message is retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ev, err := invalidation.Decode(msg.Value)
	if err != nil {
		obs.IncInvalidation(err)
		c.logger.WarnContext(ctx, "skipping malformed invalidation event",
			"err", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	qks, err := ev.Quadkeys(c.zTarget)
	if err != nil {
		obs.IncInvalidation(err)
		c.logger.WarnContext(ctx, "skipping invalidation event without footprint", "err", err, "offset", msg.Offset)
		return nil
	}
	dedupeKey := ev.Source + "|" + fmt.Sprint(qks)
	if c.seen.seen(dedupeKey, ev.TS.UnixNano()) {
		c.logger.DebugContext(ctx, "invalidation already applied", "op", ev.Op, "offset", msg.Offset)
		return nil
	}

	n, err := c.inv.Invalidate(ctx, qks...)
	obs.IncInvalidation(err)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	obs.AddInvalidatedKeys(n)
	c.seen.record(dedupeKey, ev.TS.UnixNano())

	c.logger.InfoContext(ctx, "invalidated tiles",
		"op", ev.Op, "source", ev.Source, "tiles", len(qks), "keys", n)
	return nil
}
