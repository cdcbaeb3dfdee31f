// SPDX-License-Identifier: MIT

// Package kafka implements the message-bus transport on Apache Kafka.
package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/crucible-testbed/crucible/internal/bus"
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/log"
)

// Config parameterises the transport.
type Config struct {
	Servers        []string
	GroupID        string
	SASLUser       string
	SASLPassword   string
	RequestTimeout time.Duration
}

// Transport sends and receives envelopes over Kafka topics. One producer is
// shared by all sends; each subscription runs its own consumer poll loop.
type Transport struct {
	cfg      Config
	producer *kgo.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	consumers []*kgo.Client
	cancel    []context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

// New connects the shared producer.
func New(cfg Config) (*Transport, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New(errs.InvalidArgument, "no bus servers configured")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	opts := baseOpts(cfg)
	producer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkPermanent, err, "connect kafka producer")
	}
	return &Transport{
		cfg:      cfg,
		producer: producer,
		logger:   log.WithComponent("kafka"),
	}, nil
}

func baseOpts(cfg Config) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Servers...),
		kgo.ProduceRequestTimeout(cfg.RequestTimeout),
	}
	if cfg.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.SASLUser,
			Pass: cfg.SASLPassword,
		}.AsMechanism()))
	}
	return opts
}

// Send publishes the envelope and waits for the broker acknowledgement. It
// is intended to be called from the RPC worker pool, where blocking is the
// point: the pool translates delivery errors into failure events.
func (t *Transport) Send(ctx context.Context, topic string, env *bus.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(env.MessageID),
		Value: data,
	}
	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Timeout, err, "produce to %s", topic)
		}
		return errs.Wrap(errs.NetworkPermanent, err, "produce to %s", topic)
	}
	return nil
}

// Subscribe starts a consumer group poll loop on the topic, feeding decoded
// envelopes to the handler. Undecodable records are logged and skipped.
func (t *Transport) Subscribe(topic string, h bus.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errs.New(errs.InvalidState, "transport closed")
	}
	opts := append(baseOpts(t.cfg),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(t.cfg.GroupID),
		kgo.DisableAutoCommit(),
	)
	consumer, err := kgo.NewClient(opts...)
	if err != nil {
		return errs.Wrap(errs.NetworkPermanent, err, "connect kafka consumer for %s", topic)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.consumers = append(t.consumers, consumer)
	t.cancel = append(t.cancel, cancel)
	t.wg.Add(1)
	go t.poll(ctx, consumer, topic, h)
	return nil
}

func (t *Transport) poll(ctx context.Context, consumer *kgo.Client, topic string, h bus.Handler) {
	defer t.wg.Done()
	for {
		fetches := consumer.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errsList := fetches.Errors(); len(errsList) > 0 {
			for _, fe := range errsList {
				t.logger.Error().Err(fe.Err).Str("topic", fe.Topic).Msg("fetch error")
			}
		}
		fetches.EachRecord(func(record *kgo.Record) {
			env, err := bus.Decode(record.Value)
			if err != nil {
				t.logger.Warn().Err(err).Str("topic", topic).Msg("undecodable record skipped")
				return
			}
			h(env)
		})
		if err := consumer.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error().Err(err).Str("topic", topic).Msg("offset commit failed")
		}
	}
}

// Close stops every consumer loop and the producer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.cancel
	consumers := t.consumers
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()
	for _, c := range consumers {
		c.Close()
	}
	t.producer.Close()
	return nil
}
