package broker

import (
	"sync"
	"time"

	"github.com/Shopify/sarama"

	"chatgate/logger"
	"chatgate/tools/errs"
)

// Config for the Kafka-backed broker client.
type Config struct {
	Brokers      []string
	Partitions   int32
	Replication  int16
	Retries      int
	GroupPrefix  string // consumer group prefix shared by the fleet
	InstanceID   string // per-instance suffix; makes every instance its own group
	InitialReset string // newest/oldest
}

// MessageHandler consumes one event from one topic.
type MessageHandler func(topic string, key, value []byte) error

// Broker wraps one sarama client plus a sync producer and the per-topic
// consumer groups of this instance. Constructed once at startup and
// injected; safe for concurrent use.
type Broker struct {
	cfg      Config
	client   sarama.Client
	producer sarama.SyncProducer

	mu       sync.RWMutex
	handlers map[string]MessageHandler

	// newGroup builds one consumer group; tests swap it for a stub.
	newGroup     func(groupID string) (sarama.ConsumerGroup, error)
	retryBackoff time.Duration

	// onDegraded is invoked when a consumer group exhausts its reconnect
	// budget; the heartbeat loop exposes the flag through the instance
	// record instead of killing the process.
	onDegraded func()
}

func New(cfg Config) (*Broker, error) {
	sc := baseConfig(cfg)
	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	return &Broker{
		cfg:      cfg,
		client:   client,
		producer: producer,
		handlers: make(map[string]MessageHandler),
		newGroup: func(groupID string) (sarama.ConsumerGroup, error) {
			return sarama.NewConsumerGroup(cfg.Brokers, groupID, baseConfig(cfg))
		},
		retryBackoff: time.Second,
	}, nil
}

func baseConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	// bounded retry; publish surfaces the error to the caller after this
	sc.Producer.Retry.Max = cfg.Retries
	sc.Producer.Retry.Backoff = 200 * time.Millisecond
	// partition key controls the partition
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	if cfg.InitialReset == "oldest" {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	sc.Consumer.Return.Errors = true

	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 30 * time.Second
	sc.Net.WriteTimeout = 30 * time.Second
	return sc
}

// Publish sends one event keyed by partitionKey. Fire-and-forget from
// the protocol's point of view, but the call blocks until the broker
// acks or the bounded retries are spent.
func (b *Broker) Publish(topic, partitionKey string, evt Event) error {
	raw, err := evt.Encode()
	if err != nil {
		return errs.WrapMsg(err, "encode event")
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(partitionKey),
		Value: sarama.ByteEncoder(raw),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errs.ErrInfra.WithDetail("publish " + topic + ": " + err.Error())
	}
	return nil
}

// RegisterHandler binds a topic to its consumer callback. Must be called
// before Start.
func (b *Broker) RegisterHandler(topic string, h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
}

func (b *Broker) handler(topic string) MessageHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[topic]
}

// OnDegraded installs the callback used when a consumer gives up
// reconnecting.
func (b *Broker) OnDegraded(fn func()) { b.onDegraded = fn }

func (b *Broker) Close() error {
	if err := b.producer.Close(); err != nil {
		logger.Errorf("[broker] close producer: %v", err)
	}
	return b.client.Close()
}
