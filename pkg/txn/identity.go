package txn

import (
	"fmt"
	"strconv"
)

const (
	// NoProducerID is the producer ID of an identity that was never initialized.
	NoProducerID int64 = -1

	// NoEpoch is the epoch of an identity that was never initialized.
	NoEpoch int16 = -1

	// NoCoordinator is returned when the transaction coordinator is unknown.
	NoCoordinator int32 = -1
)

// Identity names a single in-flight transaction attempt. The broker assigns
// the producer ID and epoch; the transactional ID is stable and chosen by the
// caller.
//
// For a given transactional ID the broker only accepts the most recent epoch.
// Every InitProducerID bumps it, which permanently fences older identities.
type Identity struct {
	TransactionalID string `json:"transactional_id" yaml:"transactional_id"`
	ProducerID      int64  `json:"producer_id" yaml:"producer_id"`
	Epoch           int16  `json:"epoch" yaml:"epoch"`
}

func uninitializedIdentity(transactionalID string) Identity {
	return Identity{
		TransactionalID: transactionalID,
		ProducerID:      NoProducerID,
		Epoch:           NoEpoch,
	}
}

// Initialized reports whether the broker assigned a producer ID and epoch.
func (id Identity) Initialized() bool {
	return id.ProducerID >= 0 && id.Epoch >= 0
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%d/%d", id.TransactionalID, id.ProducerID, id.Epoch)
}

// TopicPartition is a destination partition.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.Itoa(int(tp.Partition))
}

// PartitionInfo describes a partition as reported by the cluster metadata.
type PartitionInfo struct {
	Topic     string
	Partition int32
	Leader    int32
	Replicas  []int32
	ISR       []int32
}

// GroupMetadata identifies the consumer group member committing offsets as
// part of a transaction. Generation -1 and an empty MemberID commit without
// group membership checks.
type GroupMetadata struct {
	Group      string
	Generation int32
	MemberID   string
	InstanceID *string
}

// NewGroupMetadata returns the metadata used when only the group is known.
func NewGroupMetadata(group string) GroupMetadata {
	return GroupMetadata{Group: group, Generation: -1}
}

// Offset is a consumer offset committed within a transaction.
type Offset struct {
	Offset      int64
	LeaderEpoch int32
	Metadata    string
}
