package testkafka

import (
	"context"
	"testing"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/grafana/txnproducer/pkg/kafka"
)

// Cluster is a fake Kafka cluster with a transaction coordinator. The
// coordinator owns the partition logs, so records are only visible through
// produce, fetch and list offsets requests.
type Cluster struct {
	*kfake.Cluster
	txns *transactions
}

// CreateCluster returns a fake Kafka cluster for unit testing.
func CreateCluster(t testing.TB, numPartitions int32, topicName string) (*Cluster, kafka.Config) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(numPartitions, topicName))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)

	txns := newTransactions(cluster, apiVersions(t, addrs[0]))
	txns.install()

	return &Cluster{Cluster: cluster, txns: txns}, createTestKafkaConfig(addrs[0], topicName)
}

// apiVersions returns the API versions kfake supports, before any control
// function is installed.
func apiVersions(t testing.TB, addr string) []kmsg.ApiVersionsResponseApiKey {
	client, err := kgo.NewClient(kgo.SeedBrokers(addr))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := kmsg.NewPtrApiVersionsRequest().RequestWith(ctx, client)
	require.NoError(t, err)
	require.Zero(t, resp.ErrorCode)
	return resp.ApiKeys
}

// CommittedOffsets returns the offsets that committed transactions sent for
// the group, by topic and partition.
func (c *Cluster) CommittedOffsets(group string) map[string]map[int32]int64 {
	return c.txns.committedOffsets(group)
}

// OpenTransaction returns the current identity of the transactional ID and
// whether it has a transaction that was not ended yet.
func (c *Cluster) OpenTransaction(transactionalID string) (producerID int64, epoch int16, open bool) {
	return c.txns.openTransaction(transactionalID)
}

func createTestKafkaConfig(clusterAddr, topicName string) kafka.Config {
	cfg := kafka.Config{}
	flagext.DefaultValues(&cfg)

	cfg.Address = clusterAddr
	cfg.Topic = topicName
	cfg.WriteTimeout = 2 * time.Second

	return cfg
}
