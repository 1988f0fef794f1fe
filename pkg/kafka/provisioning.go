package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

// A TopicEntry contains a single topic.
type TopicEntry struct {
	Name              string `json:"name" yaml:"name"`
	Partitions        int32  `json:"partitions" yaml:"partitions"`
	ReplicationFactor int16  `json:"replication_factor" yaml:"replication_factor"`
}

// TopicEntryFromConfig returns the entry of the configured topic.
func TopicEntryFromConfig(cfg Config) TopicEntry {
	return TopicEntry{
		Name:              cfg.Topic,
		Partitions:        int32(cfg.AutoCreateTopicDefaultPartitions),
		ReplicationFactor: int16(cfg.ReplicationFactor),
	}
}

// A TopicProvisioner provisions Kafka topics.
type TopicProvisioner struct {
	client *kadm.Client
	logger log.Logger
}

// NewTopicProvisioner returns a new TopicProvisioner.
func NewTopicProvisioner(client *kadm.Client, logger log.Logger) *TopicProvisioner {
	return &TopicProvisioner{
		client: client,
		logger: logger,
	}
}

// Provision provisions each topic in entries. Topics that already exist are
// left as they are. It returns an error if any other topic could not be
// created.
func (p *TopicProvisioner) Provision(ctx context.Context, entries []TopicEntry) error {
	for _, entry := range entries {
		err := p.ProvisionTopic(ctx, entry.Name, entry.Partitions, entry.ReplicationFactor)
		if errors.Is(err, kerr.TopicAlreadyExists) {
			level.Info(p.logger).Log("msg", "topic already exists", "topic", entry.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to provision topic %s: %w", entry.Name, err)
		}
		level.Info(p.logger).Log("msg", "created topic", "topic", entry.Name, "partitions", entry.Partitions, "replication_factor", entry.ReplicationFactor)
	}
	return nil
}

// ProvisionTopic provisions a Kafka topic.
func (p *TopicProvisioner) ProvisionTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	resp, err := p.client.CreateTopics(ctx, partitions, replicationFactor, nil, topic)
	if err != nil {
		// err will be non-nil if the request could not be sent, or a response
		// was not received from the broker.
		return err
	}
	// err will be non-nil if the a request and response was received, but
	// the topic could not be created. For example, if the topic already exists.
	return resp.Error()
}
