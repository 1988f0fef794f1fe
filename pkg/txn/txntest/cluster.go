// Package txntest provides an in-memory transaction coordinator and partition
// log implementing txn.Broker, for tests.
package txntest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/grafana/txnproducer/pkg/txn"
)

// Op names a broker operation, for request counting and fault injection.
type Op string

const (
	OpFindCoordinator Op = "find_coordinator"
	OpInitProducerID  Op = "init_producer_id"
	OpAddPartitions   Op = "add_partitions_to_txn"
	OpProduce         Op = "produce"
	OpEndTxn          Op = "end_txn"
	OpAddOffsets      Op = "add_offsets_to_txn"
	OpTxnOffsetCommit Op = "txn_offset_commit"
	OpPartitionsFor   Op = "partitions_for"
)

var (
	// ErrInvalidTxnState is returned when a request does not fit the
	// transaction's status at the coordinator.
	ErrInvalidTxnState = errors.New("invalid transaction state")

	// ErrOutOfOrderSequence is returned when a batch skips sequence numbers.
	ErrOutOfOrderSequence = errors.New("out of order sequence number")

	ErrUnknownTopicOrPartition = errors.New("unknown topic or partition")
	ErrBrokerClosed            = errors.New("broker connection closed")
)

type txnStatus int

const (
	statusEmpty txnStatus = iota
	statusOngoing
	statusCompleteCommit
	statusCompleteAbort
)

func (s txnStatus) String() string {
	switch s {
	case statusOngoing:
		return "Ongoing"
	case statusCompleteCommit:
		return "CompleteCommit"
	case statusCompleteAbort:
		return "CompleteAbort"
	default:
		return "Empty"
	}
}

type outcome int

const (
	outcomeOpen outcome = iota
	outcomeCommitted
	outcomeAborted
)

// attempt is one transaction of an identity. Records produced in it become
// visible to read-committed readers once it commits.
type attempt struct {
	outcome outcome
	offsets map[string]map[string]map[int32]txn.Offset
}

type transaction struct {
	producerID int64
	epoch      int16
	status     txnStatus
	partitions map[txn.TopicPartition]struct{}
	groups     map[string]struct{}
	current    *attempt
}

type logEntry struct {
	record  txn.Record
	attempt *attempt
}

type sequenceKey struct {
	producerID int64
	tp         txn.TopicPartition
}

type sequenceState struct {
	epoch   int16
	next    int32
	offsets map[int32]int64
}

// Cluster is an in-memory Kafka cluster with a single transaction
// coordinator. It enforces epoch fencing, partition enlistment and
// idempotent sequences the way the broker does.
type Cluster struct {
	mtx sync.Mutex

	coordinatorID  int32
	nextProducerID int64
	topics         map[string]int32
	txns           map[string]*transaction
	logs           map[txn.TopicPartition][]logEntry
	sequences      map[sequenceKey]*sequenceState
	groupOffsets   map[string]map[string]map[int32]txn.Offset
	requests       map[Op]int
	faults         map[Op][]error
}

type Option func(*Cluster)

// WithTopic creates a topic with the given number of partitions.
func WithTopic(topic string, partitions int32) Option {
	return func(c *Cluster) {
		c.topics[topic] = partitions
	}
}

// WithFirstProducerID sets the producer ID assigned to the first
// transactional ID initialized on the cluster.
func WithFirstProducerID(id int64) Option {
	return func(c *Cluster) {
		c.nextProducerID = id
	}
}

func WithCoordinatorID(id int32) Option {
	return func(c *Cluster) {
		c.coordinatorID = id
	}
}

func NewCluster(opts ...Option) *Cluster {
	c := &Cluster{
		topics:       map[string]int32{},
		txns:         map[string]*transaction{},
		logs:         map[txn.TopicPartition][]logEntry{},
		sequences:    map[sequenceKey]*sequenceState{},
		groupOffsets: map[string]map[string]map[int32]txn.Offset{},
		requests:     map[Op]int{},
		faults:       map[Op][]error{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewBroker returns a connection to the cluster, as a process would open it.
func (c *Cluster) NewBroker() *Broker {
	return &Broker{cluster: c}
}

// FailNext makes the next request of the given operation fail with err
// before reaching the coordinator.
func (c *Cluster) FailNext(op Op, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.faults[op] = append(c.faults[op], err)
}

// Requests returns how many requests of the given operation were received.
func (c *Cluster) Requests(op Op) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.requests[op]
}

// ReadCommitted returns the records of a partition that belong to committed
// transactions, in log order.
func (c *Cluster) ReadCommitted(topic string, partition int32) []txn.Record {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var out []txn.Record
	for _, e := range c.logs[txn.TopicPartition{Topic: topic, Partition: partition}] {
		if e.attempt.outcome == outcomeCommitted {
			out = append(out, e.record)
		}
	}
	return out
}

// ReadUncommitted returns every record written to a partition.
func (c *Cluster) ReadUncommitted(topic string, partition int32) []txn.Record {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var out []txn.Record
	for _, e := range c.logs[txn.TopicPartition{Topic: topic, Partition: partition}] {
		out = append(out, e.record)
	}
	return out
}

// CommittedOffsets returns the offsets committed for a group.
func (c *Cluster) CommittedOffsets(group string) map[string]map[int32]txn.Offset {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.groupOffsets[group]
}

// Transaction returns the current identity of a transactional ID and the
// status of its transaction at the coordinator.
func (c *Cluster) Transaction(transactionalID string) (txn.Identity, string, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	t, ok := c.txns[transactionalID]
	if !ok {
		return txn.Identity{}, "", false
	}
	return txn.Identity{TransactionalID: transactionalID, ProducerID: t.producerID, Epoch: t.epoch}, t.status.String(), true
}

// enter records a request and returns the injected fault, if any. It must be
// called with c.mtx held.
func (c *Cluster) enter(ctx context.Context, op Op) error {
	c.requests[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if faults := c.faults[op]; len(faults) > 0 {
		c.faults[op] = faults[1:]
		return faults[0]
	}
	return nil
}

// current returns the transaction of the identity, or ErrFenced if the
// identity is not the latest one of its transactional ID.
func (c *Cluster) current(id txn.Identity) (*transaction, error) {
	t, ok := c.txns[id.TransactionalID]
	if !ok || t.producerID != id.ProducerID || t.epoch != id.Epoch {
		return nil, fmt.Errorf("%w: identity %s is not current", txn.ErrFenced, id)
	}
	return t, nil
}

func (t *transaction) ensureOngoing() {
	if t.status == statusOngoing {
		return
	}
	t.status = statusOngoing
	t.partitions = map[txn.TopicPartition]struct{}{}
	t.groups = map[string]struct{}{}
	t.current = &attempt{offsets: map[string]map[string]map[int32]txn.Offset{}}
}

// end completes the ongoing transaction. It must be called with c.mtx held.
func (c *Cluster) end(t *transaction, commit bool) {
	if commit {
		t.status = statusCompleteCommit
		t.current.outcome = outcomeCommitted
		for group, topics := range t.current.offsets {
			if c.groupOffsets[group] == nil {
				c.groupOffsets[group] = map[string]map[int32]txn.Offset{}
			}
			for topic, partitions := range topics {
				if c.groupOffsets[group][topic] == nil {
					c.groupOffsets[group][topic] = map[int32]txn.Offset{}
				}
				for partition, o := range partitions {
					c.groupOffsets[group][topic][partition] = o
				}
			}
		}
		return
	}
	t.status = statusCompleteAbort
	t.current.outcome = outcomeAborted
}

func (c *Cluster) findCoordinator(ctx context.Context) (int32, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpFindCoordinator); err != nil {
		return txn.NoCoordinator, err
	}
	return c.coordinatorID, nil
}

func (c *Cluster) initProducerID(ctx context.Context, transactionalID string) (txn.Identity, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpInitProducerID); err != nil {
		return txn.Identity{}, err
	}

	t, ok := c.txns[transactionalID]
	if !ok {
		t = &transaction{producerID: c.nextProducerID, epoch: 0}
		c.nextProducerID++
		c.txns[transactionalID] = t
	} else {
		if t.status == statusOngoing {
			c.end(t, false)
		}
		if t.epoch == math.MaxInt16 {
			t.producerID = c.nextProducerID
			c.nextProducerID++
			t.epoch = 0
		} else {
			t.epoch++
		}
	}
	t.status = statusEmpty

	return txn.Identity{TransactionalID: transactionalID, ProducerID: t.producerID, Epoch: t.epoch}, nil
}

func (c *Cluster) addPartitions(ctx context.Context, id txn.Identity, partitions []txn.TopicPartition) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpAddPartitions); err != nil {
		return err
	}
	t, err := c.current(id)
	if err != nil {
		return err
	}
	for _, tp := range partitions {
		if n, ok := c.topics[tp.Topic]; !ok || tp.Partition >= n {
			return fmt.Errorf("%w: %s", ErrUnknownTopicOrPartition, tp)
		}
	}

	t.ensureOngoing()
	for _, tp := range partitions {
		t.partitions[tp] = struct{}{}
	}
	return nil
}

func (c *Cluster) produce(ctx context.Context, id txn.Identity, batch txn.ProduceBatch) (int64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpProduce); err != nil {
		return -1, err
	}
	t, err := c.current(id)
	if err != nil {
		return -1, err
	}
	if t.status != statusOngoing {
		return -1, fmt.Errorf("%w: produce to %s outside of a transaction", ErrInvalidTxnState, batch.TopicPartition)
	}
	if _, ok := t.partitions[batch.TopicPartition]; !ok {
		return -1, fmt.Errorf("%w: partition %s was not added to the transaction", ErrInvalidTxnState, batch.TopicPartition)
	}

	key := sequenceKey{producerID: id.ProducerID, tp: batch.TopicPartition}
	seq, ok := c.sequences[key]
	if !ok || seq.epoch != id.Epoch {
		seq = &sequenceState{epoch: id.Epoch, offsets: map[int32]int64{}}
		c.sequences[key] = seq
	}
	if offset, dup := seq.offsets[batch.BaseSequence]; dup {
		return offset, nil
	}
	if batch.BaseSequence != seq.next {
		return -1, fmt.Errorf("%w: expected %d, got %d on %s", ErrOutOfOrderSequence, seq.next, batch.BaseSequence, batch.TopicPartition)
	}

	base := int64(len(c.logs[batch.TopicPartition]))
	for _, r := range batch.Records {
		rec := *r
		rec.Offset = int64(len(c.logs[batch.TopicPartition]))
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		c.logs[batch.TopicPartition] = append(c.logs[batch.TopicPartition], logEntry{record: rec, attempt: t.current})
	}
	seq.offsets[batch.BaseSequence] = base
	seq.next = int32((int64(batch.BaseSequence) + int64(len(batch.Records))) % (math.MaxInt32 + 1))
	return base, nil
}

func (c *Cluster) endTxn(ctx context.Context, id txn.Identity, commit bool) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpEndTxn); err != nil {
		return err
	}
	t, err := c.current(id)
	if err != nil {
		return err
	}

	switch {
	case t.status == statusOngoing:
		c.end(t, commit)
		return nil
	case t.status == statusCompleteCommit && commit, t.status == statusCompleteAbort && !commit:
		// Retry of a request whose response was lost.
		return nil
	default:
		return fmt.Errorf("%w: cannot end transaction in status %s", ErrInvalidTxnState, t.status)
	}
}

func (c *Cluster) addOffsets(ctx context.Context, id txn.Identity, group string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpAddOffsets); err != nil {
		return err
	}
	t, err := c.current(id)
	if err != nil {
		return err
	}
	t.ensureOngoing()
	t.groups[group] = struct{}{}
	return nil
}

func (c *Cluster) txnOffsetCommit(ctx context.Context, id txn.Identity, group txn.GroupMetadata, offsets map[string]map[int32]txn.Offset) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpTxnOffsetCommit); err != nil {
		return err
	}
	t, err := c.current(id)
	if err != nil {
		return err
	}
	if _, ok := t.groups[group.Group]; !ok || t.status != statusOngoing {
		return fmt.Errorf("%w: group %s was not added to the transaction", ErrInvalidTxnState, group.Group)
	}

	pending := t.current.offsets[group.Group]
	if pending == nil {
		pending = map[string]map[int32]txn.Offset{}
		t.current.offsets[group.Group] = pending
	}
	for topic, partitions := range offsets {
		if pending[topic] == nil {
			pending[topic] = map[int32]txn.Offset{}
		}
		for partition, o := range partitions {
			pending[topic][partition] = o
		}
	}
	return nil
}

func (c *Cluster) partitionsFor(ctx context.Context, topic string) ([]txn.PartitionInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.enter(ctx, OpPartitionsFor); err != nil {
		return nil, err
	}
	n, ok := c.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopicOrPartition, topic)
	}

	infos := make([]txn.PartitionInfo, 0, n)
	for i := int32(0); i < n; i++ {
		infos = append(infos, txn.PartitionInfo{
			Topic:     topic,
			Partition: i,
			Leader:    c.coordinatorID,
			Replicas:  []int32{c.coordinatorID},
			ISR:       []int32{c.coordinatorID},
		})
	}
	return infos, nil
}

// Broker is one process's connection to a Cluster.
type Broker struct {
	cluster *Cluster

	mtx    sync.Mutex
	closed bool
}

var _ txn.Broker = (*Broker)(nil)

func (b *Broker) check() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

func (b *Broker) FindCoordinator(ctx context.Context, _ string) (int32, error) {
	if err := b.check(); err != nil {
		return txn.NoCoordinator, err
	}
	return b.cluster.findCoordinator(ctx)
}

func (b *Broker) InitProducerID(ctx context.Context, transactionalID string, _ time.Duration) (txn.Identity, error) {
	if err := b.check(); err != nil {
		return txn.Identity{}, err
	}
	return b.cluster.initProducerID(ctx, transactionalID)
}

func (b *Broker) AddPartitionsToTxn(ctx context.Context, id txn.Identity, partitions []txn.TopicPartition) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.cluster.addPartitions(ctx, id, slices.Clone(partitions))
}

func (b *Broker) Produce(ctx context.Context, id txn.Identity, batch txn.ProduceBatch) (int64, error) {
	if err := b.check(); err != nil {
		return -1, err
	}
	return b.cluster.produce(ctx, id, batch)
}

func (b *Broker) EndTxn(ctx context.Context, id txn.Identity, commit bool) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.cluster.endTxn(ctx, id, commit)
}

func (b *Broker) AddOffsetsToTxn(ctx context.Context, id txn.Identity, group string) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.cluster.addOffsets(ctx, id, group)
}

func (b *Broker) TxnOffsetCommit(ctx context.Context, id txn.Identity, group txn.GroupMetadata, offsets map[string]map[int32]txn.Offset) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.cluster.txnOffsetCommit(ctx, id, group, offsets)
}

func (b *Broker) PartitionsFor(ctx context.Context, topic string) ([]txn.PartitionInfo, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.cluster.partitionsFor(ctx, topic)
}

// Close closes the connection. The cluster keeps every transaction as is,
// like a crashed process would leave it.
func (b *Broker) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.closed = true
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.closed
}
