// Package redis publishes committed price changes using go-redis/v9.
//
// Each change is sent twice: PUBLISH on a channel for live subscribers and
// XADD on a capped stream for consumers that need to catch up after a
// restart.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/price-ledger/catalog"
)

const (
	DefaultChannel = "price:changed"
	DefaultStream  = "price-history"

	// streamMaxLen is the approximate maximum length of the stream,
	// enforced via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// Config holds connection parameters and destinations.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	Channel    string
	Stream     string
}

// Publisher implements catalog.Publisher.
type Publisher struct {
	rdb     *redis.Client
	channel string
	stream  string
}

// New connects, pings, and returns a Publisher.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewWithClient(rdb, cfg.Channel, cfg.Stream), nil
}

// NewWithClient wraps an existing client. Empty names fall back to defaults.
func NewWithClient(rdb *redis.Client, channel, stream string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{rdb: rdb, channel: channel, stream: stream}
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

// Message is the JSON payload. Prices are integers in the smallest currency
// unit; percentage is a decimal string so subscribers never round twice.
type Message struct {
	EventID    string  `json:"event_id"`
	Cause      string  `json:"cause"`
	EntryID    string  `json:"entry_id"`
	ProductID  int64   `json:"product_id"`
	SellerID   int64   `json:"seller_id"`
	OldPrice   *int64  `json:"old_price"`
	NewPrice   *int64  `json:"new_price"`
	Difference int64   `json:"difference"`
	Percentage *string `json:"percentage"`
	CreatedAt  string  `json:"created_at"`
}

// NewMessage flattens a change into its wire form.
func NewMessage(c catalog.PriceChange) Message {
	e := c.Entry
	m := Message{
		EventID:    c.EventID,
		Cause:      string(c.Cause),
		EntryID:    e.ID,
		ProductID:  int64(e.ProductID),
		SellerID:   int64(e.SellerID),
		OldPrice:   optInt(e.OldPrice),
		NewPrice:   optInt(e.NewPrice),
		Difference: e.Difference,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.Percentage.Valid {
		s := e.Percentage.Decimal.StringFixed(2)
		m.Percentage = &s
	}
	return m
}

func optInt(p *catalog.Price) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}

// PublishPriceChange sends the change to the channel and the stream.
func (p *Publisher) PublishPriceChange(ctx context.Context, c catalog.PriceChange) error {
	payload, err := json.Marshal(NewMessage(c))
	if err != nil {
		return fmt.Errorf("redis: marshal price change: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", p.channel, err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"product_id": int64(c.Entry.ProductID),
			"payload":    payload,
		},
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", p.stream, err)
	}
	return nil
}

// Compile-time interface check.
var _ catalog.Publisher = (*Publisher)(nil)
