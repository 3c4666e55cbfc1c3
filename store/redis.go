package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KanavDutta/seigen/core"
)

// BanEntry is the record written for every ban.
type BanEntry struct {
	Key        string          `json:"key"`
	IdentityID core.IdentityID `json:"identity_id"`
	RuleID     core.RuleID     `json:"rule_id"`
	Message    string          `json:"message"`
	ExpiresAt  time.Time       `json:"expires_at"`

	// Duration is the ban length and the TTL of the stored record.
	// ExpiresAt is on the engine clock, which need not be the wall clock.
	Duration time.Duration `json:"duration"`
}

func newBanEntry(id core.IdentityView, rule core.Rule) BanEntry {
	return BanEntry{
		Key:        id.Key,
		IdentityID: id.ID,
		RuleID:     rule.ID,
		Message:    rule.Message,
		ExpiresAt:  id.BanExpiresAt,
		Duration:   rule.BanDuration,
	}
}

// RedisBanLog mirrors bans into Redis so other tools can watch them:
// each ban is stored under "<prefix>:ban:<key>" with a TTL equal to the ban
// and published on a pub/sub channel. The engine never reads it back.
//
// Writes happen on a single background worker; OnBan never blocks on Redis.
type RedisBanLog struct {
	client  *redis.Client
	prefix  string
	channel string
	timeout time.Duration

	queue   chan BanEntry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	onError func(error)
}

// RedisConfig for creating a Redis ban log
type RedisConfig struct {
	Addr      string        // Redis address (e.g., "localhost:6379")
	Password  string        // Redis password (empty for no auth)
	DB        int           // Redis database number
	Prefix    string        // Key prefix (default: "seigen")
	Channel   string        // Pub/sub channel (default: "seigen:bans")
	Timeout   time.Duration // Per-write timeout (default: 500ms)
	QueueSize int           // Pending bans buffered before dropping (default: 1024)
	OnError   func(error)   // Optional: called for failed writes
}

// NewRedisBanLog creates a ban log and starts its writer.
func NewRedisBanLog(config RedisConfig) *RedisBanLog {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if config.Prefix == "" {
		config.Prefix = "seigen"
	}
	if config.Channel == "" {
		config.Channel = config.Prefix + ":bans"
	}
	if config.Timeout <= 0 {
		config.Timeout = 500 * time.Millisecond
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}

	l := &RedisBanLog{
		client:  client,
		prefix:  config.Prefix,
		channel: config.Channel,
		timeout: config.Timeout,
		queue:   make(chan BanEntry, config.QueueSize),
		done:    make(chan struct{}),
		onError: config.OnError,
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// OnBan queues a ban for writing. Bans are dropped when the queue is full.
func (l *RedisBanLog) OnBan(id core.IdentityView, rule core.Rule) {
	entry := newBanEntry(id, rule)

	select {
	case l.queue <- entry:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many bans were discarded because the queue was full.
func (l *RedisBanLog) Dropped() int64 {
	return l.dropped.Load()
}

// Record stores and publishes one ban synchronously.
func (l *RedisBanLog) Record(ctx context.Context, entry BanEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	ttl := entry.Duration
	if ttl <= 0 {
		// Already over; only announce it
		return l.client.Publish(ctx, l.channel, data).Err()
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, l.banKey(entry.Key), data, ttl)
	pipe.Publish(ctx, l.channel, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the active ban for key, or nil if there is none.
func (l *RedisBanLog) Get(ctx context.Context, key string) (*BanEntry, error) {
	val, err := l.client.Get(ctx, l.banKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry BanEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Subscribe listens on the ban channel.
func (l *RedisBanLog) Subscribe(ctx context.Context) *redis.PubSub {
	return l.client.Subscribe(ctx, l.channel)
}

// Clear removes all ban keys under the prefix.
func (l *RedisBanLog) Clear(ctx context.Context) error {
	iter := l.client.Scan(ctx, 0, l.prefix+":ban:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := l.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping checks if Redis connection is alive
func (l *RedisBanLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close drains queued bans, stops the writer and closes the connection.
func (l *RedisBanLog) Close() error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.client.Close()
}

func (l *RedisBanLog) run() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.queue:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *RedisBanLog) write(entry BanEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if err := l.Record(ctx, entry); err != nil && l.onError != nil {
		l.onError(err)
	}
}

func (l *RedisBanLog) banKey(key string) string {
	return l.prefix + ":ban:" + key
}
