package txn_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/grafana/txnproducer/pkg/txn"
	"github.com/grafana/txnproducer/pkg/txn/txntest"
)

const topic = "orders"

func testConfig(transactionalID string) txn.Config {
	return txn.Config{
		TransactionalID:    transactionalID,
		DefaultTopic:       topic,
		TransactionTimeout: time.Minute,
		RequestTimeout:     5 * time.Second,
		DeliveryTimeout:    10 * time.Second,
		MaxBufferedRecords: 100,
		BatchMaxRecords:    10,
	}
}

func newCluster(opts ...txntest.Option) *txntest.Cluster {
	return txntest.NewCluster(append([]txntest.Option{txntest.WithTopic(topic, 3), txntest.WithFirstProducerID(7)}, opts...)...)
}

func newProducer(t *testing.T, broker txn.Broker, transactionalID string) *txn.Producer {
	t.Helper()

	p, err := txn.NewProducer(testConfig(transactionalID), broker, log.NewNopLogger(), prometheus.NewPedanticRegistry())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, p.Close())
	})
	return p
}

func record(partition int32, value string) *txn.Record {
	return &txn.Record{Partition: partition, Value: []byte(value)}
}

func values(records []txn.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, string(r.Value))
	}
	return out
}

func sendAll(t *testing.T, p *txn.Producer, partition int32, vals ...string) []*txn.Future {
	t.Helper()

	futures := make([]*txn.Future, 0, len(vals))
	for _, v := range vals {
		f, err := p.Send(context.Background(), record(partition, v))
		require.NoError(t, err)
		futures = append(futures, f)
	}
	return futures
}

// startTransaction returns a producer of a fresh incarnation with an open
// transaction.
func startTransaction(t *testing.T, cluster *txntest.Cluster, transactionalID string) *txn.Producer {
	t.Helper()

	p := newProducer(t, cluster.NewBroker(), transactionalID)
	require.NoError(t, p.InitTransactions(context.Background()))
	require.NoError(t, p.BeginTransaction())
	return p
}

func TestProducer_CommitDeliversRecordsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	futures := sendAll(t, p, 0, "1", "2", "3", "4", "5")

	require.NoError(t, p.Flush(ctx))
	for i, f := range futures {
		r, err := f.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), r.Offset)
	}

	// Nothing is visible before the commit.
	require.Empty(t, cluster.ReadCommitted(topic, 0))

	require.NoError(t, p.CommitTransaction(ctx))
	require.Equal(t, txn.StateReady, p.State())
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, values(cluster.ReadCommitted(topic, 0)))
}

func TestProducer_ProduceSync(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	res := p.ProduceSync(ctx, record(1, "a"), record(1, "b"), record(2, "c"))
	require.NoError(t, res.FirstErr())
	require.NoError(t, res.Errs())
	require.Len(t, res, 3)

	require.NoError(t, p.CommitTransaction(ctx))
	require.Equal(t, []string{"a", "b"}, values(cluster.ReadCommitted(topic, 1)))
	require.Equal(t, []string{"c"}, values(cluster.ReadCommitted(topic, 2)))
}

func TestProducer_ResumeAfterCrashCommitsPreparedTransaction(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()
	const transactionalID = "order-42"

	// Two earlier incarnations of the service initialized the transactional
	// ID, so the current one runs under epoch 2.
	for i := 0; i < 2; i++ {
		p := newProducer(t, cluster.NewBroker(), transactionalID)
		require.NoError(t, p.InitTransactions(ctx))
		require.NoError(t, p.Close())
	}

	p := startTransaction(t, cluster, transactionalID)
	sendAll(t, p, 0, "1", "2", "3")

	id, err := p.Prepare(ctx)
	require.NoError(t, err)
	require.Equal(t, txn.Identity{TransactionalID: transactionalID, ProducerID: 7, Epoch: 2}, id)
	require.Equal(t, int64(7), p.ProducerID())
	require.Equal(t, int16(2), p.Epoch())

	// Crash after the identity was persisted.
	require.NoError(t, p.Close())
	require.Empty(t, cluster.ReadCommitted(topic, 0))

	restarted := newProducer(t, cluster.NewBroker(), transactionalID)
	require.NoError(t, restarted.ResumeTransaction(id.ProducerID, id.Epoch))
	require.Equal(t, txn.StateInTransaction, restarted.State())
	require.Equal(t, int64(7), restarted.ProducerID())
	require.Equal(t, int16(2), restarted.Epoch())

	require.NoError(t, restarted.CommitTransaction(ctx))
	require.Equal(t, []string{"1", "2", "3"}, values(cluster.ReadCommitted(topic, 0)))

	// Resuming issues neither an init nor an enlistment.
	require.Equal(t, 3, cluster.Requests(txntest.OpInitProducerID))
	require.Equal(t, 1, cluster.Requests(txntest.OpAddPartitions))
}

func TestProducer_ResumeWithStaleEpochIsFenced(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	sendAll(t, p, 0, "1", "2")
	id, err := p.Prepare(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	// Another process initialized the transactional ID in the meantime.
	other := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.NoError(t, other.InitTransactions(ctx))
	require.Equal(t, id.Epoch+1, other.Epoch())

	restarted := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.NoError(t, restarted.ResumeTransaction(id.ProducerID, id.Epoch))

	err = restarted.CommitTransaction(ctx)
	require.ErrorIs(t, err, txn.ErrFenced)
	require.True(t, txn.IsFatal(err))
	require.Equal(t, txn.StateFenced, restarted.State())
	require.Empty(t, cluster.ReadCommitted(topic, 0))

	// Every later call fails the same way.
	require.ErrorIs(t, restarted.AbortTransaction(ctx), txn.ErrFenced)
	require.ErrorIs(t, restarted.CommitTransaction(ctx), txn.ErrFenced)
}

func TestProducer_SecondFlushIssuesNoRequests(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	sendAll(t, p, 0, "1", "2", "3")

	require.NoError(t, p.Flush(ctx))
	enlists := cluster.Requests(txntest.OpAddPartitions)
	produces := cluster.Requests(txntest.OpProduce)
	require.Equal(t, 1, enlists)

	require.NoError(t, p.Flush(ctx))
	require.Equal(t, enlists, cluster.Requests(txntest.OpAddPartitions))
	require.Equal(t, produces, cluster.Requests(txntest.OpProduce))
	require.Empty(t, p.Stats().Pending)
	require.Equal(t, []txn.TopicPartition{{Topic: topic, Partition: 0}}, p.Stats().Enlisted)
}

func TestProducer_FailedEnlistProducesNothing(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()
	cluster.FailNext(txntest.OpAddPartitions, errors.New("transactional id authorization failed"))

	p := startTransaction(t, cluster, "orders-writer")
	futures := sendAll(t, p, 0, "1")
	_, err := futures[0].Get(ctx)
	require.ErrorContains(t, err, "failed to enlist partitions")

	// Flush only waits for the sender, it never enlists on its own.
	require.ErrorIs(t, p.Flush(ctx), txn.ErrTransactionPoisoned)
	require.Equal(t, 1, cluster.Requests(txntest.OpAddPartitions))
	require.Zero(t, cluster.Requests(txntest.OpProduce))
	require.Empty(t, cluster.ReadUncommitted(topic, 0))
}

func TestProducer_InitTransactionsAbortsOpenTransaction(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	sendAll(t, p, 0, "1", "2", "3")
	require.NoError(t, p.Flush(ctx))

	_, status, _ := cluster.Transaction("orders-writer")
	require.Equal(t, "Ongoing", status)

	other := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.NoError(t, other.InitTransactions(ctx))

	id, status, _ := cluster.Transaction("orders-writer")
	require.Equal(t, "Empty", status)
	require.Equal(t, int16(1), id.Epoch)
	require.Len(t, cluster.ReadUncommitted(topic, 0), 3)
	require.Empty(t, cluster.ReadCommitted(topic, 0))

	// The first producer is fenced.
	require.ErrorIs(t, p.CommitTransaction(ctx), txn.ErrFenced)
}

func TestProducer_InvalidCallOrdering(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.ErrorIs(t, p.BeginTransaction(), txn.ErrInvalidState)
	require.ErrorIs(t, p.CommitTransaction(ctx), txn.ErrInvalidState)
	require.ErrorIs(t, p.AbortTransaction(ctx), txn.ErrInvalidState)
	require.ErrorIs(t, p.Flush(ctx), txn.ErrInvalidState)
	_, err := p.Send(ctx, record(0, "1"))
	require.ErrorIs(t, err, txn.ErrInvalidState)

	require.NoError(t, p.InitTransactions(ctx))
	require.ErrorIs(t, p.InitTransactions(ctx), txn.ErrInvalidState)
	require.ErrorIs(t, p.ResumeTransaction(7, 0), txn.ErrInvalidState)
	require.ErrorIs(t, p.CommitTransaction(ctx), txn.ErrInvalidState)
	_, err = p.Send(ctx, record(0, "1"))
	require.ErrorIs(t, err, txn.ErrInvalidState)

	require.NoError(t, p.BeginTransaction())
	require.ErrorIs(t, p.BeginTransaction(), txn.ErrInvalidState)

	// None of the rejected calls reached the broker.
	require.Zero(t, cluster.Requests(txntest.OpEndTxn))
	require.Equal(t, 1, cluster.Requests(txntest.OpInitProducerID))
}

func TestProducer_SendAfterResumeIsRefused(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.NoError(t, p.ResumeTransaction(7, 0))

	_, err := p.Send(ctx, record(0, "1"))
	require.ErrorIs(t, err, txn.ErrInvalidState)
	require.ErrorIs(t, p.SendOffsetsToTransaction(ctx, nil, "group"), txn.ErrInvalidState)

	// The coordinator already holds everything, so a flush has nothing to do.
	require.NoError(t, p.Flush(ctx))
	require.Zero(t, cluster.Requests(txntest.OpAddPartitions))
	require.Zero(t, cluster.Requests(txntest.OpProduce))
}

func TestProducer_ResumeRejectsInvalidIdentity(t *testing.T) {
	p := newProducer(t, newCluster().NewBroker(), "orders-writer")

	require.ErrorContains(t, p.ResumeTransaction(txn.NoProducerID, 0), "must not be negative")
	require.ErrorContains(t, p.ResumeTransaction(7, txn.NoEpoch), "must not be negative")
	require.Equal(t, txn.StateUninitialized, p.State())

	// Zero is a valid producer ID and epoch.
	require.NoError(t, p.ResumeTransaction(0, 0))
	require.Equal(t, txn.StateInTransaction, p.State())
}

func TestProducer_CommitCanBeRetriedAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	sendAll(t, p, 0, "1", "2", "3")

	cluster.FailNext(txntest.OpEndTxn, fmt.Errorf("%w: coordinator not available", txn.ErrTransient))

	err := p.CommitTransaction(ctx)
	require.Error(t, err)
	require.True(t, txn.IsRetriable(err))
	require.Equal(t, txn.StateCommitting, p.State())
	require.Empty(t, cluster.ReadCommitted(topic, 0))

	require.NoError(t, p.CommitTransaction(ctx))
	require.Equal(t, txn.StateReady, p.State())
	require.Equal(t, []string{"1", "2", "3"}, values(cluster.ReadCommitted(topic, 0)))
}

func TestProducer_ResumedCommitUsesFreshEpochForNextTransaction(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	sendAll(t, p, 0, "a")
	id, err := p.Prepare(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	restarted := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.NoError(t, restarted.ResumeTransaction(id.ProducerID, id.Epoch))
	require.NoError(t, restarted.CommitTransaction(ctx))

	require.NoError(t, restarted.BeginTransaction())
	sendAll(t, restarted, 0, "b")
	require.NoError(t, restarted.Flush(ctx))
	require.Equal(t, id.Epoch+1, restarted.Epoch())
	require.Equal(t, id.ProducerID, restarted.ProducerID())

	require.NoError(t, restarted.CommitTransaction(ctx))
	require.Equal(t, []string{"a", "b"}, values(cluster.ReadCommitted(topic, 0)))
}

// blockingBroker blocks the first produce request until released.
type blockingBroker struct {
	*txntest.Broker

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBroker) Produce(ctx context.Context, id txn.Identity, batch txn.ProduceBatch) (int64, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.Broker.Produce(ctx, id, batch)
}

func TestProducer_AbortFailsBufferedRecords(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()
	broker := &blockingBroker{
		Broker:  cluster.NewBroker(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	p := newProducer(t, broker, "orders-writer")
	require.NoError(t, p.InitTransactions(ctx))
	require.NoError(t, p.BeginTransaction())

	inflight := sendAll(t, p, 0, "1")
	<-broker.entered
	buffered := sendAll(t, p, 0, "2", "3")
	require.Equal(t, 2, p.Stats().BufferedRecords)

	aborted := make(chan error, 1)
	go func() {
		aborted <- p.AbortTransaction(ctx)
	}()

	for _, f := range buffered {
		select {
		case <-f.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("buffered record was not failed by the abort")
		}
		_, err := f.Get(ctx)
		require.ErrorIs(t, err, txn.ErrAborted)
	}

	close(broker.release)
	require.NoError(t, <-aborted)
	require.Equal(t, txn.StateReady, p.State())

	_, err := inflight[0].Get(ctx)
	require.NoError(t, err)
	require.Len(t, cluster.ReadUncommitted(topic, 0), 1)
	require.Empty(t, cluster.ReadCommitted(topic, 0))
}

// lossyBroker loses the response of the first produce request after the
// partition leader appended it.
type lossyBroker struct {
	*txntest.Broker
	lost *atomic.Bool
}

func (b *lossyBroker) Produce(ctx context.Context, id txn.Identity, batch txn.ProduceBatch) (int64, error) {
	offset, err := b.Broker.Produce(ctx, id, batch)
	if err == nil && b.lost.CompareAndSwap(false, true) {
		return -1, fmt.Errorf("%w: connection reset", txn.ErrTransient)
	}
	return offset, err
}

func TestProducer_RetriedProduceIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := newProducer(t, &lossyBroker{Broker: cluster.NewBroker(), lost: atomic.NewBool(false)}, "orders-writer")
	require.NoError(t, p.InitTransactions(ctx))
	require.NoError(t, p.BeginTransaction())

	res := p.ProduceSync(ctx, record(0, "1"), record(0, "2"), record(0, "3"))
	require.NoError(t, res.FirstErr())
	require.NoError(t, p.CommitTransaction(ctx))

	require.Greater(t, cluster.Requests(txntest.OpProduce), 1)
	require.Equal(t, []string{"1", "2", "3"}, values(cluster.ReadCommitted(topic, 0)))
}

func TestProducer_TransientEnlistFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()
	cluster.FailNext(txntest.OpAddPartitions, fmt.Errorf("%w: concurrent transactions", txn.ErrTransient))

	p := startTransaction(t, cluster, "orders-writer")
	res := p.ProduceSync(ctx, record(0, "1"))
	require.NoError(t, res.FirstErr())
	require.NoError(t, p.CommitTransaction(ctx))

	require.Equal(t, 2, cluster.Requests(txntest.OpAddPartitions))
	require.Equal(t, []string{"1"}, values(cluster.ReadCommitted(topic, 0)))
}

func TestProducer_DeliveryFailurePoisonsTransaction(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()
	cluster.FailNext(txntest.OpProduce, errors.New("record too large"))

	p := startTransaction(t, cluster, "orders-writer")
	futures := sendAll(t, p, 0, "1")
	_, err := futures[0].Get(ctx)
	require.EqualError(t, err, "failed to produce to orders-0: record too large")

	require.ErrorIs(t, p.Flush(ctx), txn.ErrTransactionPoisoned)
	require.ErrorIs(t, p.CommitTransaction(ctx), txn.ErrTransactionPoisoned)
	_, err = p.Send(ctx, record(0, "2"))
	require.ErrorIs(t, err, txn.ErrTransactionPoisoned)
	require.Equal(t, txn.StateInTransaction, p.State())

	require.NoError(t, p.AbortTransaction(ctx))
	require.Equal(t, txn.StateReady, p.State())

	// The next transaction starts clean under a new epoch.
	require.NoError(t, p.BeginTransaction())
	require.NoError(t, p.ProduceSync(ctx, record(0, "3")).FirstErr())
	require.NoError(t, p.CommitTransaction(ctx))
	require.Equal(t, int16(1), p.Epoch())
	require.Equal(t, []string{"3"}, values(cluster.ReadCommitted(topic, 0)))
}

func TestProducer_FencedDuringDelivery(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")

	other := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.NoError(t, other.InitTransactions(ctx))

	futures := sendAll(t, p, 0, "1")
	_, err := futures[0].Get(ctx)
	require.ErrorIs(t, err, txn.ErrFenced)

	require.ErrorIs(t, p.Flush(ctx), txn.ErrFenced)
	require.Equal(t, txn.StateFenced, p.State())
	require.ErrorIs(t, p.BeginTransaction(), txn.ErrFenced)
	_, err = p.Send(ctx, record(0, "2"))
	require.ErrorIs(t, err, txn.ErrFenced)
}

func TestProducer_SendOffsetsToTransaction(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	offsets := map[string]map[int32]txn.Offset{"payments": {0: {Offset: 42, LeaderEpoch: -1}}}
	require.NoError(t, p.SendOffsetsToTransaction(ctx, offsets, "order-service"))
	require.Nil(t, cluster.CommittedOffsets("order-service"))

	require.NoError(t, p.CommitTransaction(ctx))
	require.Equal(t, offsets, cluster.CommittedOffsets("order-service"))
	require.Equal(t, 1, cluster.Requests(txntest.OpEndTxn))
}

func TestProducer_AbortedOffsetsAreDiscarded(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	offsets := map[string]map[int32]txn.Offset{"payments": {0: {Offset: 42}}}
	require.NoError(t, p.SendOffsetsToTransaction(ctx, offsets, "order-service"))
	require.NoError(t, p.AbortTransaction(ctx))
	require.Nil(t, cluster.CommittedOffsets("order-service"))
}

func TestProducer_KeyPartitioning(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")

	var keyed []*txn.Record
	for i := 0; i < 5; i++ {
		keyed = append(keyed, &txn.Record{Partition: txn.KeyPartition, Key: []byte("customer-1"), Value: []byte(fmt.Sprint(i))})
	}
	results := p.ProduceSync(ctx, keyed...)
	require.NoError(t, results.FirstErr())
	partition := results[0].Record.Partition
	for _, res := range results[1:] {
		require.Equal(t, partition, res.Record.Partition)
	}

	seen := map[int32]struct{}{}
	for i := 0; i < 3; i++ {
		results := p.ProduceSync(ctx, &txn.Record{Partition: txn.KeyPartition, Value: []byte("keyless")})
		require.NoError(t, results.FirstErr())
		seen[results[0].Record.Partition] = struct{}{}
	}
	require.Len(t, seen, 3)

	// The partition count is looked up once per topic.
	require.Equal(t, 1, cluster.Requests(txntest.OpPartitionsFor))

	require.NoError(t, p.CommitTransaction(ctx))
	require.Len(t, cluster.ReadCommitted(topic, partition), 5+1)
}

func TestProducer_SendLeavesCallerRecordUntouched(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")

	in := &txn.Record{Partition: txn.KeyPartition, Key: []byte("customer-1"), Value: []byte("1")}
	f, err := p.Send(ctx, in)
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	out, err := f.Get(ctx)
	require.NoError(t, err)
	require.NotSame(t, in, out)
	require.Equal(t, topic, out.Topic)
	require.GreaterOrEqual(t, out.Partition, int32(0))
	require.False(t, out.Timestamp.IsZero())
	require.Equal(t, int64(0), out.Offset)

	// The caller can send the same record again, to another partition.
	require.Equal(t, &txn.Record{Partition: txn.KeyPartition, Key: []byte("customer-1"), Value: []byte("1")}, in)
	require.NoError(t, p.CommitTransaction(ctx))
}

func TestProducer_TransactionCoordinatorID(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(txntest.WithCoordinatorID(3))

	p := newProducer(t, cluster.NewBroker(), "orders-writer")
	require.NoError(t, p.InitTransactions(ctx))

	id, err := p.TransactionCoordinatorID(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(3), id)
	require.Equal(t, 1, cluster.Requests(txntest.OpFindCoordinator))
	require.Equal(t, "orders-writer", p.TransactionalID())
}

func TestProducer_EmptyTransactionIsNotSentToCoordinator(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()

	p := startTransaction(t, cluster, "orders-writer")
	require.NoError(t, p.CommitTransaction(ctx))
	require.NoError(t, p.BeginTransaction())
	require.NoError(t, p.AbortTransaction(ctx))

	require.Zero(t, cluster.Requests(txntest.OpEndTxn))
	require.Zero(t, cluster.Requests(txntest.OpAddPartitions))
}

func TestProducer_CloseLeavesTransactionOpen(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()
	broker := cluster.NewBroker()

	p := newProducer(t, broker, "orders-writer")
	require.NoError(t, p.InitTransactions(ctx))
	require.NoError(t, p.BeginTransaction())
	require.NoError(t, p.ProduceSync(ctx, record(0, "1")).FirstErr())

	require.NoError(t, p.Close())
	require.True(t, broker.Closed())

	_, status, _ := cluster.Transaction("orders-writer")
	require.Equal(t, "Ongoing", status)

	_, err := p.Send(ctx, record(0, "2"))
	require.ErrorIs(t, err, txn.ErrClosed)
	require.ErrorIs(t, p.CommitTransaction(ctx), txn.ErrClosed)
}

func TestProducer_Metrics(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster()
	reg := prometheus.NewPedanticRegistry()

	p, err := txn.NewProducer(testConfig("orders-writer"), cluster.NewBroker(), log.NewNopLogger(), reg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, p.Close())
	})

	require.NoError(t, p.InitTransactions(ctx))
	require.NoError(t, p.BeginTransaction())
	require.NoError(t, p.ProduceSync(ctx, record(0, "1"), record(0, "2")).FirstErr())
	require.NoError(t, p.CommitTransaction(ctx))

	require.Equal(t, 2.0, counterValue(t, reg, "produced_records_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "enlist_requests_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "transactions_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
