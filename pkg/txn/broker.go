package txn

import (
	"context"
	"time"
)

// Broker is the transaction coordinator and partition leader protocol the
// Producer drives. Implementations never hide the producer ID and epoch:
// every call takes the identity it acts for, so a restarted process can act
// for an identity it did not initialize.
//
// Errors must wrap ErrFenced when the broker rejected the identity's epoch and
// ErrTransient when the call can be reissued.
type Broker interface {
	// FindCoordinator returns the node ID of the transaction coordinator.
	FindCoordinator(ctx context.Context, transactionalID string) (int32, error)

	// InitProducerID returns a fresh identity. The coordinator aborts any
	// transaction left open under the transactional ID and bumps the epoch.
	InitProducerID(ctx context.Context, transactionalID string, transactionTimeout time.Duration) (Identity, error)

	// AddPartitionsToTxn enlists partitions in the identity's transaction.
	AddPartitionsToTxn(ctx context.Context, id Identity, partitions []TopicPartition) error

	// Produce writes a batch to an enlisted partition and returns the offset
	// of its first record.
	Produce(ctx context.Context, id Identity, batch ProduceBatch) (int64, error)

	// EndTxn commits or aborts the identity's transaction.
	EndTxn(ctx context.Context, id Identity, commit bool) error

	// AddOffsetsToTxn enlists the group's offsets partition.
	AddOffsetsToTxn(ctx context.Context, id Identity, group string) error

	// TxnOffsetCommit stages offsets, committed or discarded with the transaction.
	TxnOffsetCommit(ctx context.Context, id Identity, group GroupMetadata, offsets map[string]map[int32]Offset) error

	PartitionsFor(ctx context.Context, topic string) ([]PartitionInfo, error)

	Close()
}
