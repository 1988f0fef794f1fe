package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/grafana/txnproducer/pkg/txn"
)

const coordinatorTypeTransaction int8 = 1

var retryBackoff = backoff.Config{
	MinBackoff: 20 * time.Millisecond,
	MaxBackoff: time.Second,
	MaxRetries: 10,
}

// Broker implements txn.Broker with raw Kafka protocol requests. It never
// hides the producer ID and epoch of a transaction, so a process can act for
// an identity another process initialized.
type Broker struct {
	cfg     Config
	client  *kgo.Client
	admin   *kadm.Client
	encoder *batchEncoder
	logger  log.Logger

	leadersMtx sync.Mutex
	leaders    map[txn.TopicPartition]int32

	requestsTotal        *prometheus.CounterVec
	requestFailuresTotal *prometheus.CounterVec
}

var _ txn.Broker = (*Broker)(nil)

// NewBroker connects to the cluster and checks that it supports
// transactions. It fails with txn.ErrIncompatibleBroker otherwise.
//
// The input prometheus.Registerer must be wrapped with a prefix (the names of
// metrics registered don't have a prefix).
func NewBroker(ctx context.Context, cfg Config, logger log.Logger, reg prometheus.Registerer) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Kafka config: %w", err)
	}

	comp, err := newCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(cfg, logger, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	b := &Broker{
		cfg:     cfg,
		client:  client,
		admin:   kadm.NewClient(client),
		encoder: &batchEncoder{compressor: comp, maxRecordBytes: cfg.ProducerMaxRecordSizeBytes},
		logger:  log.With(logger, "component", "kafka-txn-broker"),
		leaders: map[txn.TopicPartition]int32{},

		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "txn_requests_total",
			Help: "Total number of transactional requests issued to Kafka.",
		}, []string{"request"}),
		requestFailuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "txn_request_failures_total",
			Help: "Total number of failed transactional requests issued to Kafka.",
		}, []string{"request", "reason"}),
	}

	if err := b.checkVersions(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// checkVersions fails unless every broker supports the transactional
// requests this package issues.
func (b *Broker) checkVersions(ctx context.Context) error {
	req := kmsg.NewPtrApiVersionsRequest()
	req.ClientSoftwareName = "txnproducer"
	req.ClientSoftwareVersion = "1.0.0"

	resp, err := req.RequestWith(ctx, b.client)
	if err != nil {
		return fmt.Errorf("failed to request API versions: %w", err)
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return fmt.Errorf("failed to request API versions: %w", err)
	}

	maxVersions := make(map[int16]int16, len(resp.ApiKeys))
	for _, k := range resp.ApiKeys {
		maxVersions[k.ApiKey] = k.MaxVersion
	}

	minProduce := int16(3)
	if b.cfg.Compression == CompressionZstd {
		minProduce = 7
	}
	required := map[int16]int16{
		((*kmsg.ProduceRequest)(nil)).Key():            minProduce,
		((*kmsg.FindCoordinatorRequest)(nil)).Key():    1,
		((*kmsg.InitProducerIDRequest)(nil)).Key():     0,
		((*kmsg.AddPartitionsToTxnRequest)(nil)).Key(): 0,
		((*kmsg.AddOffsetsToTxnRequest)(nil)).Key():    0,
		((*kmsg.EndTxnRequest)(nil)).Key():             0,
		((*kmsg.TxnOffsetCommitRequest)(nil)).Key():    0,
	}
	for key, minVersion := range required {
		v, ok := maxVersions[key]
		if !ok || v < minVersion {
			name := kmsg.NameForKey(key)
			return fmt.Errorf("%w: %s v%d or newer is required", txn.ErrIncompatibleBroker, name, minVersion)
		}
	}
	return nil
}

// do runs a request, retrying transient Kafka errors with backoff while ctx
// allows it, and maps the final error to the txn error taxonomy.
func (b *Broker) do(ctx context.Context, request string, fn func(context.Context) error) error {
	b.requestsTotal.WithLabelValues(request).Inc()

	boff := backoff.New(ctx, retryBackoff)
	var err error
	for boff.Ongoing() {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !isTransient(err) {
			break
		}
		level.Debug(b.logger).Log("msg", "retrying transactional request", "request", request, "retries", boff.NumRetries(), "err", err)
		boff.Wait()
	}
	if err == nil {
		err = boff.Err()
	}

	err = mapError(err)
	b.requestFailuresTotal.WithLabelValues(request, failureReason(err)).Inc()
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, txn.ErrFenced):
		return "fenced"
	case errors.Is(err, txn.ErrTransient):
		return "transient"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}

func (b *Broker) FindCoordinator(ctx context.Context, transactionalID string) (int32, error) {
	coordinator := txn.NoCoordinator
	err := b.do(ctx, "find_coordinator", func(ctx context.Context) error {
		req := kmsg.NewPtrFindCoordinatorRequest()
		req.CoordinatorType = coordinatorTypeTransaction
		req.CoordinatorKey = transactionalID
		req.CoordinatorKeys = []string{transactionalID}

		resp, err := req.RequestWith(ctx, b.client)
		if err != nil {
			return err
		}

		// v4+ answers per key, older versions at the top level.
		for _, c := range resp.Coordinators {
			if c.Key != transactionalID {
				continue
			}
			if err := kerr.ErrorForCode(c.ErrorCode); err != nil {
				return err
			}
			coordinator = c.NodeID
			return nil
		}
		if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
			return err
		}
		coordinator = resp.NodeID
		return nil
	})
	return coordinator, err
}

func (b *Broker) InitProducerID(ctx context.Context, transactionalID string, transactionTimeout time.Duration) (txn.Identity, error) {
	id := txn.Identity{TransactionalID: transactionalID, ProducerID: txn.NoProducerID, Epoch: txn.NoEpoch}
	err := b.do(ctx, "init_producer_id", func(ctx context.Context) error {
		req := kmsg.NewPtrInitProducerIDRequest()
		req.TransactionalID = &transactionalID
		req.TransactionTimeoutMillis = int32(transactionTimeout.Milliseconds())
		req.ProducerID = -1
		req.ProducerEpoch = -1

		resp, err := req.RequestWith(ctx, b.client)
		if err != nil {
			return err
		}
		if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
			return err
		}
		id.ProducerID = resp.ProducerID
		id.Epoch = resp.ProducerEpoch
		return nil
	})
	if err != nil {
		return txn.Identity{}, err
	}

	level.Debug(b.logger).Log("msg", "initialized producer ID", "transactional_id", transactionalID, "producer_id", id.ProducerID, "epoch", id.Epoch)
	return id, nil
}

func (b *Broker) AddPartitionsToTxn(ctx context.Context, id txn.Identity, partitions []txn.TopicPartition) error {
	return b.do(ctx, "add_partitions_to_txn", func(ctx context.Context) error {
		req := kmsg.NewPtrAddPartitionsToTxnRequest()
		req.TransactionalID = id.TransactionalID
		req.ProducerID = id.ProducerID
		req.ProducerEpoch = id.Epoch

		for topic, parts := range groupByTopic(partitions) {
			reqTopic := kmsg.NewAddPartitionsToTxnRequestTopic()
			reqTopic.Topic = topic
			reqTopic.Partitions = parts
			req.Topics = append(req.Topics, reqTopic)
		}

		resp, err := req.RequestWith(ctx, b.client)
		if err != nil {
			return err
		}

		// The whole request fails when any partition fails. Partitions that
		// could have been added report OperationNotAttempted, so the first
		// other error is the cause.
		var firstErr error
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				err := kerr.ErrorForCode(p.ErrorCode)
				if err == nil || errors.Is(err, kerr.OperationNotAttempted) {
					continue
				}
				if firstErr == nil {
					firstErr = fmt.Errorf("%s-%d: %w", t.Topic, p.Partition, err)
				}
			}
		}
		return firstErr
	})
}

func (b *Broker) Produce(ctx context.Context, id txn.Identity, batch txn.ProduceBatch) (int64, error) {
	raw, err := b.encoder.encode(id, batch)
	if err != nil {
		return -1, err
	}

	offset := int64(-1)
	err = b.do(ctx, "produce", func(ctx context.Context) error {
		leader, err := b.leader(ctx, batch.TopicPartition)
		if err != nil {
			return err
		}

		req := kmsg.NewPtrProduceRequest()
		req.TransactionID = &id.TransactionalID
		req.Acks = -1
		req.TimeoutMillis = int32(b.cfg.WriteTimeout.Milliseconds())

		reqPartition := kmsg.NewProduceRequestTopicPartition()
		reqPartition.Partition = batch.Partition
		reqPartition.Records = raw

		reqTopic := kmsg.NewProduceRequestTopic()
		reqTopic.Topic = batch.Topic
		reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
		req.Topics = append(req.Topics, reqTopic)

		resp, err := req.RequestWith(ctx, b.client.Broker(int(leader)))
		if err != nil {
			b.forgetLeader(batch.TopicPartition)
			return err
		}

		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if t.Topic != batch.Topic || p.Partition != batch.Partition {
					continue
				}
				err := kerr.ErrorForCode(p.ErrorCode)
				switch {
				case err == nil:
					offset = p.BaseOffset
					return nil
				case errors.Is(err, kerr.DuplicateSequenceNumber):
					// An earlier attempt of this batch was already written.
					return nil
				case errors.Is(err, kerr.NotLeaderForPartition), errors.Is(err, kerr.UnknownTopicOrPartition):
					b.forgetLeader(batch.TopicPartition)
				}
				return err
			}
		}
		return fmt.Errorf("no produce response for %s", batch.TopicPartition)
	})
	return offset, err
}

func (b *Broker) EndTxn(ctx context.Context, id txn.Identity, commit bool) error {
	request := "end_txn_abort"
	if commit {
		request = "end_txn_commit"
	}

	err := b.do(ctx, request, func(ctx context.Context) error {
		req := kmsg.NewPtrEndTxnRequest()
		req.TransactionalID = id.TransactionalID
		req.ProducerID = id.ProducerID
		req.ProducerEpoch = id.Epoch
		req.Commit = commit

		resp, err := req.RequestWith(ctx, b.client)
		if err != nil {
			return err
		}
		return kerr.ErrorForCode(resp.ErrorCode)
	})
	if err != nil {
		return err
	}

	level.Debug(b.logger).Log("msg", "ended transaction", "transactional_id", id.TransactionalID, "producer_id", id.ProducerID, "epoch", id.Epoch, "commit", commit)
	return nil
}

func (b *Broker) AddOffsetsToTxn(ctx context.Context, id txn.Identity, group string) error {
	return b.do(ctx, "add_offsets_to_txn", func(ctx context.Context) error {
		req := kmsg.NewPtrAddOffsetsToTxnRequest()
		req.TransactionalID = id.TransactionalID
		req.ProducerID = id.ProducerID
		req.ProducerEpoch = id.Epoch
		req.Group = group

		resp, err := req.RequestWith(ctx, b.client)
		if err != nil {
			return err
		}
		return kerr.ErrorForCode(resp.ErrorCode)
	})
}

func (b *Broker) TxnOffsetCommit(ctx context.Context, id txn.Identity, group txn.GroupMetadata, offsets map[string]map[int32]txn.Offset) error {
	return b.do(ctx, "txn_offset_commit", func(ctx context.Context) error {
		req := kmsg.NewPtrTxnOffsetCommitRequest()
		req.TransactionalID = id.TransactionalID
		req.Group = group.Group
		req.ProducerID = id.ProducerID
		req.ProducerEpoch = id.Epoch
		req.Generation = group.Generation
		req.MemberID = group.MemberID
		req.InstanceID = group.InstanceID

		for topic, partitions := range offsets {
			reqTopic := kmsg.NewTxnOffsetCommitRequestTopic()
			reqTopic.Topic = topic
			for partition, o := range partitions {
				reqPartition := kmsg.NewTxnOffsetCommitRequestTopicPartition()
				reqPartition.Partition = partition
				reqPartition.Offset = o.Offset
				reqPartition.LeaderEpoch = o.LeaderEpoch
				if o.Metadata != "" {
					metadata := o.Metadata
					reqPartition.Metadata = &metadata
				}
				reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
			}
			req.Topics = append(req.Topics, reqTopic)
		}

		resp, err := req.RequestWith(ctx, b.client)
		if err != nil {
			return err
		}
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					return fmt.Errorf("%s-%d: %w", t.Topic, p.Partition, err)
				}
			}
		}
		return nil
	})
}

func (b *Broker) PartitionsFor(ctx context.Context, topic string) ([]txn.PartitionInfo, error) {
	var infos []txn.PartitionInfo
	err := b.do(ctx, "metadata", func(ctx context.Context) error {
		details, err := b.topicDetail(ctx, topic)
		if err != nil {
			return err
		}

		infos = infos[:0]
		for _, p := range details.Partitions.Sorted() {
			infos = append(infos, txn.PartitionInfo{
				Topic:     topic,
				Partition: p.Partition,
				Leader:    p.Leader,
				Replicas:  p.Replicas,
				ISR:       p.ISR,
			})
		}
		return nil
	})
	return infos, err
}

func (b *Broker) topicDetail(ctx context.Context, topic string) (kadm.TopicDetail, error) {
	metadata, err := b.admin.Metadata(ctx, topic)
	if err != nil {
		return kadm.TopicDetail{}, err
	}
	details, ok := metadata.Topics[topic]
	if !ok {
		return kadm.TopicDetail{}, fmt.Errorf("%w: %s", kerr.UnknownTopicOrPartition, topic)
	}
	if details.Err != nil {
		return kadm.TopicDetail{}, details.Err
	}

	b.leadersMtx.Lock()
	for _, p := range details.Partitions {
		if p.Err == nil && p.Leader >= 0 {
			b.leaders[txn.TopicPartition{Topic: topic, Partition: p.Partition}] = p.Leader
		}
	}
	b.leadersMtx.Unlock()
	return details, nil
}

// leader returns the partition leader, refreshing the topic metadata when it
// is not known.
func (b *Broker) leader(ctx context.Context, tp txn.TopicPartition) (int32, error) {
	b.leadersMtx.Lock()
	leader, ok := b.leaders[tp]
	b.leadersMtx.Unlock()
	if ok {
		return leader, nil
	}

	details, err := b.topicDetail(ctx, tp.Topic)
	if err != nil {
		return -1, err
	}
	p, ok := details.Partitions[tp.Partition]
	if !ok {
		return -1, fmt.Errorf("%w: %s", kerr.UnknownTopicOrPartition, tp)
	}
	if p.Err != nil {
		return -1, p.Err
	}
	if p.Leader < 0 {
		return -1, fmt.Errorf("%w: %s", kerr.LeaderNotAvailable, tp)
	}
	return p.Leader, nil
}

func (b *Broker) forgetLeader(tp txn.TopicPartition) {
	b.leadersMtx.Lock()
	delete(b.leaders, tp)
	b.leadersMtx.Unlock()
}

// Close closes the underlying Kafka client. Open transactions are left to the
// coordinator.
func (b *Broker) Close() {
	b.client.Close()
}

func groupByTopic(partitions []txn.TopicPartition) map[string][]int32 {
	byTopic := map[string][]int32{}
	for _, tp := range partitions {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}
	for _, parts := range byTopic {
		slices.Sort(parts)
	}
	return byTopic
}
