package broker

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"chatgate/logger"
)

// EnsureTopics creates the given topics if missing. Run once on startup;
// "already exists" is success, including the create race between
// instances booting together.
func (b *Broker) EnsureTopics(topics []string) error {
	admin, err := sarama.NewClusterAdminFromClient(b.client)
	if err != nil {
		return errors.Wrap(err, "cluster admin")
	}
	// Not closing admin: it shares the broker's client, and closing it
	// would close that client underneath the producer.

	for _, t := range topics {
		desc, derr := admin.DescribeTopics([]string{t})
		if derr == nil && len(desc) == 1 && desc[0].Err == sarama.ErrNoError {
			logger.Infof("[topic] exists: %s (partitions=%d)", t, len(desc[0].Partitions))
			continue
		}
		td := &sarama.TopicDetail{
			NumPartitions:     b.cfg.Partitions,
			ReplicationFactor: b.cfg.Replication,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"unclean.leader.election.enable": strPtr("false"),
				"compression.type":               strPtr("producer"),
			},
		}
		if cerr := admin.CreateTopic(t, td, false); cerr != nil {
			var te *sarama.TopicError
			if errors.As(cerr, &te) && te.Err == sarama.ErrTopicAlreadyExists {
				logger.Infof("[topic] exists (race): %s", t)
				continue
			}
			if errors.Is(cerr, sarama.ErrTopicAlreadyExists) {
				logger.Infof("[topic] exists (race): %s", t)
				continue
			}
			return errors.Wrapf(cerr, "create topic %s", t)
		}
		logger.Infof("[topic] created: %s (partitions=%d, rf=%d)", t, b.cfg.Partitions, b.cfg.Replication)
	}
	return nil
}

func strPtr(s string) *string { return &s }
