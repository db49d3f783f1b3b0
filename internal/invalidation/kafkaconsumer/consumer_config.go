package kafkaconsumer

import (
	"time"

	"github.com/frafra/is-osm-uptodate/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	// attempts per message before the claim gives up and is re-consumed
	Attempts   int
	RetryDelay time.Duration
	DedupeSize int
}

func ConfigFrom(c config.InvalidationCfg) Config {
	return Config{
		Brokers:             c.BrokerList(),
		Topic:               c.Topic,
		GroupID:             c.GroupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: false,
		Attempts:            3,
		RetryDelay:          500 * time.Millisecond,
		DedupeSize:          4096,
	}
}
