package broker

import (
	"context"
	"time"

	"github.com/Shopify/sarama"

	"chatgate/logger"
)

// maxReconnectAttempts bounds how often a consumer loop retries after a
// hard Consume error before the instance is flagged degraded.
const maxReconnectAttempts = 5

type groupHandler struct {
	b *Broker
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if fn := h.b.handler(msg.Topic); fn != nil {
			if err := fn(msg.Topic, msg.Key, msg.Value); err != nil {
				// handler errors never stop the claim; delivery is
				// at-least-once and the next event must still flow
				logger.Errorf("[consumer] handler topic=%s: %v", msg.Topic, err)
			}
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// groupID gives every instance its own consumer group per topic, so each
// event fans out to the whole fleet instead of load-balancing across it.
// Whichever instance owns the receiver's connection gets its copy.
func (b *Broker) groupID(topic string) string {
	return b.cfg.GroupPrefix + "-" + topic + "-" + b.cfg.InstanceID
}

// Start runs one consumer group loop per registered topic. Blocks until
// ctx is cancelled; run it in its own goroutine.
func (b *Broker) Start(ctx context.Context) {
	b.mu.RLock()
	topics := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	for _, topic := range topics {
		go b.consumeLoop(ctx, topic)
	}
	<-ctx.Done()
}

func (b *Broker) consumeLoop(ctx context.Context, topic string) {
	// attempts counts both failed group construction and failed Consume
	// calls; only a clean rebalance return resets the budget, so a
	// persistently erroring cluster cannot redial forever.
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempts >= maxReconnectAttempts {
			b.degrade(topic)
			return
		}
		if attempts > 0 {
			select {
			case <-time.After(time.Duration(attempts) * b.retryBackoff):
			case <-ctx.Done():
				return
			}
		}

		group, err := b.newGroup(b.groupID(topic))
		if err != nil {
			attempts++
			logger.Errorf("[consumer] topic=%s connect attempt %d: %v", topic, attempts, err)
			continue
		}

		go func() {
			for gerr := range group.Errors() {
				logger.Errorf("[consumer] topic=%s group error: %v", topic, gerr)
			}
		}()

		for {
			// Consume returns nil on rebalance; loop to rejoin
			cerr := group.Consume(ctx, []string{topic}, &groupHandler{b: b})
			if ctx.Err() != nil {
				_ = group.Close()
				return
			}
			if cerr != nil {
				attempts++
				logger.Errorf("[consumer] topic=%s consume attempt %d: %v", topic, attempts, cerr)
				break
			}
			attempts = 0
		}
		_ = group.Close()
	}
}

func (b *Broker) degrade(topic string) {
	logger.Errorf("[consumer] topic=%s gave up after %d attempts, instance degraded", topic, maxReconnectAttempts)
	if b.onDegraded != nil {
		b.onDegraded()
	}
}
