package txn

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// transactionState is every piece of state shared between the application
// goroutine and the sender. It is only accessed with Producer.mtx held.
type transactionState struct {
	state         State
	identity      Identity
	coordinatorID int32
	closed        bool

	// started is set between BeginTransaction (or a resume) and the end of the
	// transaction.
	started bool

	// resumed is set when the transaction was attached from a persisted
	// identity. Only commit and abort are accepted then.
	resumed bool

	// added is set once anything was enlisted, so the transaction must be ended
	// at the coordinator.
	added bool

	// bumpEpoch is set once the producer must obtain a fresh epoch before its
	// next broker write.
	bumpEpoch bool

	enlisted  map[TopicPartition]struct{}
	pending   map[TopicPartition]struct{}
	sequences map[TopicPartition]int32

	// poisoned is the first delivery error of the current transaction.
	poisoned error

	buffer      map[TopicPartition][]*promisedRecord
	numBuffered int
}

func (st *transactionState) resetPartitions() {
	st.enlisted = map[TopicPartition]struct{}{}
	st.pending = map[TopicPartition]struct{}{}
}

func (st *transactionState) resetSequences() {
	st.sequences = map[TopicPartition]int32{}
}

// Producer is a transactional producer whose in-flight transaction can be
// captured after Prepare and resumed by another process with
// ResumeTransaction.
//
// A Producer is driven by a single application goroutine. A background sender
// goroutine delivers the records passed to Send.
type Producer struct {
	cfg         Config
	broker      Broker
	logger      log.Logger
	metrics     *producerMetrics
	partitioner *partitioner

	mtx sync.Mutex
	st  transactionState

	// epochMtx serializes epoch bumps between the sender and the application.
	epochMtx sync.Mutex

	// slots bounds the number of buffered records.
	slots chan struct{}

	wake    chan struct{}
	flushes chan chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewProducer returns a Producer in StateUninitialized. The Producer owns the
// broker and closes it on Close.
//
// The input prometheus.Registerer must be wrapped with a prefix (the names of
// metrics registered don't have a prefix).
func NewProducer(cfg Config, broker Broker, logger log.Logger, reg prometheus.Registerer) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transactional producer config: %w", err)
	}
	if broker == nil {
		return nil, errors.New("a broker is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		cfg:         cfg,
		broker:      broker,
		logger:      log.With(logger, "component", "txn-producer", "transactional_id", cfg.TransactionalID),
		metrics:     newProducerMetrics(reg),
		partitioner: newPartitioner(broker),
		st: transactionState{
			state:         StateUninitialized,
			identity:      uninitializedIdentity(cfg.TransactionalID),
			coordinatorID: NoCoordinator,
			buffer:        map[TopicPartition][]*promisedRecord{},
		},
		slots:   make(chan struct{}, cfg.MaxBufferedRecords),
		wake:    make(chan struct{}, 1),
		flushes: make(chan chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.st.resetPartitions()
	p.st.resetSequences()

	go p.run()

	return p, nil
}

// guardLocked checks the producer is in one of the given states. It must be
// called with p.mtx held.
func (p *Producer) guardLocked(op string, from ...State) error {
	switch {
	case p.st.closed:
		return ErrClosed
	case p.st.state == StateFenced:
		return fmt.Errorf("%s: %w", op, ErrFenced)
	case !slices.Contains(from, p.st.state):
		return &StateError{Op: op, State: p.st.state}
	}
	return nil
}

// setStateLocked moves to the given state. It must be called with p.mtx held.
func (p *Producer) setStateLocked(op string, to State) error {
	if !p.st.state.CanTransitionTo(to) {
		return &StateError{Op: op, State: p.st.state}
	}
	p.st.state = to
	p.metrics.setState(to)
	return nil
}

// transition checks the current state and moves to the next one in a single
// critical section.
func (p *Producer) transition(op string, to State, from ...State) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if err := p.guardLocked(op, from...); err != nil {
		return err
	}
	return p.setStateLocked(op, to)
}

// InitTransactions obtains a fresh identity for the transactional ID. The
// coordinator aborts any transaction left open by a previous identity and
// fences it.
func (p *Producer) InitTransactions(ctx context.Context) error {
	p.mtx.Lock()
	err := p.guardLocked("init transactions", StateUninitialized)
	p.mtx.Unlock()
	if err != nil {
		return err
	}

	if _, err := p.TransactionCoordinatorID(ctx); err != nil {
		return err
	}

	id, err := p.initProducerID(ctx)
	if err != nil {
		if errors.Is(err, ErrFenced) {
			p.fence(err)
		}
		return fmt.Errorf("failed to initialize transactions: %w", err)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if err := p.guardLocked("init transactions", StateUninitialized); err != nil {
		return err
	}
	p.st.identity = id
	p.st.resetSequences()
	if err := p.setStateLocked("init transactions", StateReady); err != nil {
		return err
	}

	level.Info(p.logger).Log("msg", "initialized transactions", "producer_id", id.ProducerID, "epoch", id.Epoch)
	return nil
}

func (p *Producer) initProducerID(ctx context.Context) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	id, err := p.broker.InitProducerID(ctx, p.cfg.TransactionalID, p.cfg.TransactionTimeout)
	if err != nil {
		return Identity{}, err
	}
	id.TransactionalID = p.cfg.TransactionalID
	return id, nil
}

// BeginTransaction starts a new transaction. It does not contact the broker.
func (p *Producer) BeginTransaction() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if err := p.guardLocked("begin transaction", StateReady); err != nil {
		return err
	}
	if err := p.setStateLocked("begin transaction", StateInTransaction); err != nil {
		return err
	}
	p.st.resetPartitions()
	p.st.started = true
	p.st.added = false
	p.st.poisoned = nil
	return nil
}

// ResumeTransaction attaches the producer to the pending transaction of the
// given producer ID and epoch, as captured by Prepare in a previous process.
// It performs no broker round trip: the coordinator still holds the
// transaction and its enlisted partitions, and InitTransactions would abort
// them. Only CommitTransaction and AbortTransaction are accepted afterwards.
func (p *Producer) ResumeTransaction(producerID int64, epoch int16) error {
	if producerID < 0 || epoch < 0 {
		return fmt.Errorf("cannot resume transaction with producer ID %d and epoch %d: must not be negative", producerID, epoch)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if err := p.guardLocked("resume transaction", StateUninitialized); err != nil {
		return err
	}

	p.st.identity = Identity{
		TransactionalID: p.cfg.TransactionalID,
		ProducerID:      producerID,
		Epoch:           epoch,
	}
	p.st.resetSequences()
	p.st.resetPartitions()
	p.st.resumed = true
	p.st.started = true
	p.st.added = false
	p.st.poisoned = nil
	if err := p.setStateLocked("resume transaction", StateInTransaction); err != nil {
		return err
	}

	p.metrics.resumedTotal.Inc()
	level.Info(p.logger).Log("msg", "attempting to resume transaction", "producer_id", producerID, "epoch", epoch)
	return nil
}

// Send buffers a record for delivery within the current transaction. It
// blocks only while the buffer is full. The returned Future resolves with the
// acknowledged record or its delivery error.
//
// The producer works on a copy of r, so the caller's record is left as it is.
// The record returned by the Future carries the topic, partition, timestamp
// and offset the record was written with. Key, Value and Headers are shared
// with r and must not be modified until the Future resolved.
func (p *Producer) Send(ctx context.Context, r *Record) (*Future, error) {
	if r == nil {
		return nil, errors.New("cannot send a nil record")
	}
	rec := *r
	r = &rec

	if r.Topic == "" {
		r.Topic = p.cfg.DefaultTopic
	}
	if r.Topic == "" {
		return nil, errors.New("the record has no topic and no default topic is configured")
	}
	if r.Partition < 0 && r.Partition != KeyPartition {
		return nil, fmt.Errorf("invalid partition %d", r.Partition)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	if err := p.checkSend(); err != nil {
		return nil, err
	}

	if r.Partition == KeyPartition {
		partition, err := p.partitioner.partition(ctx, r)
		if err != nil {
			return nil, err
		}
		r.Partition = partition
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-p.quit:
		return nil, ErrClosed
	}

	pr := &promisedRecord{Record: r, future: newFuture(r)}
	tp := TopicPartition{Topic: r.Topic, Partition: r.Partition}

	p.mtx.Lock()
	if err := p.checkSendLocked(); err != nil {
		p.mtx.Unlock()
		<-p.slots
		return nil, err
	}
	p.st.buffer[tp] = append(p.st.buffer[tp], pr)
	p.st.numBuffered++
	if _, ok := p.st.enlisted[tp]; !ok {
		p.st.pending[tp] = struct{}{}
	}
	buffered := p.st.numBuffered
	p.mtx.Unlock()

	p.metrics.bufferedRecords.Set(float64(buffered))

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return pr.future, nil
}

func (p *Producer) checkSend() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.checkSendLocked()
}

func (p *Producer) checkSendLocked() error {
	if err := p.guardLocked("send", StateInTransaction); err != nil {
		return err
	}
	if p.st.resumed {
		return &StateError{Op: "send after resume", State: p.st.state}
	}
	if p.st.poisoned != nil {
		return fmt.Errorf("%w: %w", ErrTransactionPoisoned, p.st.poisoned)
	}
	return nil
}

// ProduceSync sends the records and waits until all of them were
// acknowledged or failed.
func (p *Producer) ProduceSync(ctx context.Context, records ...*Record) ProduceResults {
	res := make(ProduceResults, 0, len(records))
	futures := make([]*Future, 0, len(records))

	for _, r := range records {
		f, err := p.Send(ctx, r)
		if err != nil {
			res = append(res, ProduceResult{Record: r, Err: err})
			continue
		}
		futures = append(futures, f)
	}

	for _, f := range futures {
		r, err := f.Get(ctx)
		res = append(res, ProduceResult{Record: r, Err: err})
	}
	return res
}

// Flush is the pre-commit barrier. It waits until the sender delivered every
// buffered record. The sender enlists a partition before its first produce,
// so once Flush returns every written partition is in the transaction and
// committing it requires nothing but the identity. A second Flush with no
// Send in between issues no requests.
func (p *Producer) Flush(ctx context.Context) error {
	p.mtx.Lock()
	err := p.guardLocked("flush", StateInTransaction)
	p.mtx.Unlock()
	if err != nil {
		return err
	}
	return p.flush(ctx)
}

func (p *Producer) flush(ctx context.Context) error {
	start := time.Now()

	if err := p.waitIdle(ctx); err != nil {
		return err
	}

	p.mtx.Lock()
	err := p.deliveryErrLocked()
	p.mtx.Unlock()
	if err != nil {
		return err
	}

	p.metrics.flushDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (p *Producer) deliveryErrLocked() error {
	switch {
	case p.st.closed:
		return ErrClosed
	case p.st.state == StateFenced:
		return ErrFenced
	case p.st.poisoned != nil:
		return fmt.Errorf("%w: %w", ErrTransactionPoisoned, p.st.poisoned)
	}
	return nil
}

// Prepare flushes the transaction and returns the identity to persist. After
// a successful Prepare, a process holding only the identity can commit the
// transaction with ResumeTransaction and CommitTransaction.
func (p *Producer) Prepare(ctx context.Context) (Identity, error) {
	if err := p.Flush(ctx); err != nil {
		return Identity{}, err
	}
	return p.Identity(), nil
}

// CommitTransaction flushes and commits the current transaction. A transient
// failure leaves the producer in StateCommitting, so the call can be retried.
func (p *Producer) CommitTransaction(ctx context.Context) error {
	start := time.Now()

	p.mtx.Lock()
	if err := p.guardLocked("commit transaction", StateInTransaction, StateCommitting); err != nil {
		p.mtx.Unlock()
		return err
	}
	if p.st.poisoned != nil {
		err := p.st.poisoned
		p.mtx.Unlock()
		return fmt.Errorf("cannot commit: %w: %w", ErrTransactionPoisoned, err)
	}
	if err := p.setStateLocked("commit transaction", StateCommitting); err != nil {
		p.mtx.Unlock()
		return err
	}
	p.mtx.Unlock()

	if err := p.flush(ctx); err != nil {
		return err
	}

	if err := p.endTxn(ctx, true); err != nil {
		return err
	}

	p.mtx.Lock()
	resumed := p.st.resumed
	id := p.st.identity
	p.completeLocked("commit transaction")
	p.mtx.Unlock()

	p.metrics.transactionsTotal.WithLabelValues("committed").Inc()
	p.metrics.commitDuration.Observe(time.Since(start).Seconds())
	level.Info(p.logger).Log("msg", "committed transaction", "producer_id", id.ProducerID, "epoch", id.Epoch, "resumed", resumed)
	return nil
}

// AbortTransaction fails every record still buffered with ErrAborted and
// aborts the current transaction.
func (p *Producer) AbortTransaction(ctx context.Context) error {
	if err := p.transition("abort transaction", StateAborting, StateInTransaction, StateCommitting, StateAborting); err != nil {
		return err
	}

	p.failBuffered(ErrAborted)

	if err := p.waitIdle(ctx); err != nil {
		return err
	}

	p.mtx.Lock()
	fenced := p.st.state == StateFenced
	p.mtx.Unlock()
	if fenced {
		return fmt.Errorf("abort transaction: %w", ErrFenced)
	}

	if err := p.endTxn(ctx, false); err != nil {
		return err
	}

	p.mtx.Lock()
	id := p.st.identity
	p.completeLocked("abort transaction")
	p.mtx.Unlock()

	p.metrics.transactionsTotal.WithLabelValues("aborted").Inc()
	level.Info(p.logger).Log("msg", "aborted transaction", "producer_id", id.ProducerID, "epoch", id.Epoch)
	return nil
}

// endTxn ends the transaction at the coordinator if anything was enlisted or
// the transaction was resumed.
func (p *Producer) endTxn(ctx context.Context, commit bool) error {
	p.mtx.Lock()
	needed := p.st.added || p.st.resumed
	id := p.st.identity
	p.mtx.Unlock()

	if !needed {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	if err := p.broker.EndTxn(reqCtx, id, commit); err != nil {
		if errors.Is(err, ErrFenced) {
			p.fence(err)
		}
		action := "abort"
		if commit {
			action = "commit"
		}
		return fmt.Errorf("failed to %s transaction %s: %w", action, id, err)
	}
	return nil
}

// completeLocked moves to StateReady once the coordinator ended the
// transaction. It must be called with p.mtx held.
func (p *Producer) completeLocked(op string) {
	// A resumed or failed transaction leaves sequences that this producer
	// does not know, so the next transaction runs under a fresh epoch.
	if p.st.resumed || p.st.poisoned != nil {
		p.st.bumpEpoch = true
	}
	p.st.resumed = false
	p.st.started = false
	p.st.added = false
	p.st.poisoned = nil
	p.st.resetPartitions()

	if err := p.setStateLocked(op, StateReady); err != nil {
		level.Warn(p.logger).Log("msg", "unexpected state after ending transaction", "err", err)
	}
}

// SendOffsetsToTransaction adds consumer offsets to the transaction. They are
// committed to the group only if the transaction commits.
func (p *Producer) SendOffsetsToTransaction(ctx context.Context, offsets map[string]map[int32]Offset, group string) error {
	return p.SendOffsetsToTransactionWithGroupMetadata(ctx, offsets, NewGroupMetadata(group))
}

func (p *Producer) SendOffsetsToTransactionWithGroupMetadata(ctx context.Context, offsets map[string]map[int32]Offset, group GroupMetadata) error {
	if group.Group == "" {
		return errors.New("a consumer group is required to send offsets")
	}

	if err := p.checkSend(); err != nil {
		return err
	}

	id, err := p.ensureEpoch(ctx)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	if err := p.broker.AddOffsetsToTxn(reqCtx, id, group.Group); err != nil {
		if errors.Is(err, ErrFenced) {
			p.fence(err)
		}
		return fmt.Errorf("failed to add offsets of group %s to transaction: %w", group.Group, err)
	}

	p.mtx.Lock()
	p.st.added = true
	p.mtx.Unlock()

	if err := p.broker.TxnOffsetCommit(reqCtx, id, group, offsets); err != nil {
		if errors.Is(err, ErrFenced) {
			p.fence(err)
		}
		return fmt.Errorf("failed to commit offsets of group %s in transaction: %w", group.Group, err)
	}
	return nil
}

// ensureEpoch obtains a fresh epoch if one is pending and returns the
// identity to use for the next broker write.
func (p *Producer) ensureEpoch(ctx context.Context) (Identity, error) {
	p.epochMtx.Lock()
	defer p.epochMtx.Unlock()

	p.mtx.Lock()
	bump := p.st.bumpEpoch
	id := p.st.identity
	p.mtx.Unlock()

	if !bump {
		return id, nil
	}

	newID, err := p.initProducerID(ctx)
	if err != nil {
		if errors.Is(err, ErrFenced) {
			p.fence(err)
		}
		return Identity{}, fmt.Errorf("failed to obtain a new epoch: %w", err)
	}

	p.mtx.Lock()
	p.st.identity = newID
	p.st.bumpEpoch = false
	p.st.resetSequences()
	p.mtx.Unlock()

	level.Debug(p.logger).Log("msg", "obtained new epoch", "producer_id", newID.ProducerID, "epoch", newID.Epoch)
	return newID, nil
}

// enlist adds partitions to the transaction and records them as enlisted.
func (p *Producer) enlist(ctx context.Context, id Identity, partitions []TopicPartition) error {
	p.metrics.enlistRequestsTotal.Inc()
	if err := p.broker.AddPartitionsToTxn(ctx, id, partitions); err != nil {
		return err
	}

	p.mtx.Lock()
	for _, tp := range partitions {
		p.st.enlisted[tp] = struct{}{}
		delete(p.st.pending, tp)
	}
	p.st.added = true
	p.mtx.Unlock()
	return nil
}

// fence moves the producer to StateFenced and fails every buffered record.
func (p *Producer) fence(cause error) {
	p.mtx.Lock()
	if p.st.state == StateFenced {
		p.mtx.Unlock()
		return
	}
	id := p.st.identity
	if err := p.setStateLocked("fence", StateFenced); err != nil {
		p.mtx.Unlock()
		return
	}
	p.mtx.Unlock()

	p.metrics.fencedTotal.Inc()
	p.failBuffered(cause)
	level.Error(p.logger).Log("msg", "producer fenced", "producer_id", id.ProducerID, "epoch", id.Epoch, "err", cause)
}

// failBuffered fails every record not yet handed to the sender.
func (p *Producer) failBuffered(err error) {
	p.mtx.Lock()
	buffer := p.st.buffer
	p.st.buffer = map[TopicPartition][]*promisedRecord{}
	p.st.numBuffered = 0
	p.mtx.Unlock()

	p.metrics.bufferedRecords.Set(0)
	for _, records := range buffer {
		for _, r := range records {
			p.finish(r, err)
		}
	}
}

// finish resolves the future of a record and releases its buffer slot.
func (p *Producer) finish(r *promisedRecord, err error) {
	if err != nil {
		p.metrics.produceFailuresTotal.WithLabelValues(produceErrReason(err)).Inc()
	} else {
		p.metrics.producedRecordsTotal.Inc()
	}
	r.future.complete(err)
	<-p.slots
}

// waitIdle blocks until the sender drained the buffer.
func (p *Producer) waitIdle(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.flushes <- done:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-p.done:
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// ProducerID returns the producer ID of the current identity.
func (p *Producer) ProducerID() int64 {
	return p.Identity().ProducerID
}

// Epoch returns the epoch of the current identity.
func (p *Producer) Epoch() int16 {
	return p.Identity().Epoch
}

func (p *Producer) TransactionalID() string {
	return p.cfg.TransactionalID
}

func (p *Producer) Identity() Identity {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.st.identity
}

func (p *Producer) State() State {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.st.state
}

// TransactionCoordinatorID returns the node ID of the transaction
// coordinator, looking it up on first use.
func (p *Producer) TransactionCoordinatorID(ctx context.Context) (int32, error) {
	p.mtx.Lock()
	id := p.st.coordinatorID
	p.mtx.Unlock()
	if id != NoCoordinator {
		return id, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	id, err := p.broker.FindCoordinator(reqCtx, p.cfg.TransactionalID)
	if err != nil {
		return NoCoordinator, fmt.Errorf("failed to find transaction coordinator: %w", err)
	}

	p.mtx.Lock()
	p.st.coordinatorID = id
	p.mtx.Unlock()
	return id, nil
}

// PartitionsFor returns the partitions of a topic.
func (p *Producer) PartitionsFor(ctx context.Context, topic string) ([]PartitionInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	return p.broker.PartitionsFor(reqCtx, topic)
}

// Stats is a snapshot of the producer.
type Stats struct {
	State    State
	Identity Identity
	Resumed  bool
	// Open is set when the coordinator knows about the current transaction,
	// so it must be ended with EndTxn.
	Open            bool
	BufferedRecords int
	Enlisted        []TopicPartition
	Pending         []TopicPartition
}

func (p *Producer) Stats() Stats {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return Stats{
		State:           p.st.state,
		Identity:        p.st.identity,
		Resumed:         p.st.resumed,
		Open:            p.st.added || p.st.resumed,
		BufferedRecords: p.st.numBuffered,
		Enlisted:        sortedPartitions(p.st.enlisted),
		Pending:         sortedPartitions(p.st.pending),
	}
}

// Close stops the sender, fails buffered records with ErrClosed and closes the
// broker. An open transaction is left to the coordinator: a prepared one can
// still be resumed, any other is aborted once it times out.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.quit)
		<-p.done

		p.mtx.Lock()
		p.st.closed = true
		p.mtx.Unlock()

		p.failBuffered(ErrClosed)
		p.broker.Close()
	})
	return nil
}

func sortedPartitions(set map[TopicPartition]struct{}) []TopicPartition {
	return slices.SortedFunc(maps.Keys(set), compareTopicPartitions)
}

func compareTopicPartitions(a, b TopicPartition) int {
	if a.Topic != b.Topic {
		if a.Topic < b.Topic {
			return -1
		}
		return 1
	}
	return int(a.Partition) - int(b.Partition)
}
