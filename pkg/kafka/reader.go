package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/txnproducer/pkg/txn"
)

// CommittedReader reads the records of committed transactions of a topic
// from the start of every partition.
type CommittedReader struct {
	client *kgo.Client
	logger log.Logger
	topic  string
}

// NewCommittedReader returns a reader using the read_committed isolation
// level, so records of open and aborted transactions are never returned.
func NewCommittedReader(cfg Config, topic string, logger log.Logger, reg prometheus.Registerer) (*CommittedReader, error) {
	client, err := NewClient(cfg, logger, reg,
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	return &CommittedReader{
		client: client,
		logger: log.With(logger, "component", "kafka-committed-reader", "topic", topic),
		topic:  topic,
	}, nil
}

// ReadAll polls until no record arrived for idle, and returns the records
// read so far in fetch order.
func (r *CommittedReader) ReadAll(ctx context.Context, idle time.Duration) ([]*txn.Record, error) {
	var records []*txn.Record

	for {
		pollCtx, cancel := context.WithTimeout(ctx, idle)
		fetches := r.client.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() {
			return records, txn.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return records, err
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			level.Warn(r.logger).Log("msg", "failed to fetch records", "partition", partition, "err", err)
			if fetchErr == nil {
				fetchErr = fmt.Errorf("%s-%d: %w", topic, partition, err)
			}
		})
		if fetchErr != nil {
			return records, fetchErr
		}

		n := 0
		fetches.EachRecord(func(rec *kgo.Record) {
			records = append(records, fromKgoRecord(rec))
			n++
		})
		if n == 0 {
			level.Debug(r.logger).Log("msg", "no more committed records", "records", len(records))
			return records, nil
		}
	}
}

// Close closes the underlying Kafka client.
func (r *CommittedReader) Close() {
	r.client.Close()
}

func fromKgoRecord(rec *kgo.Record) *txn.Record {
	out := &txn.Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Offset:    rec.Offset,
	}
	for _, h := range rec.Headers {
		out.Headers = append(out.Headers, txn.RecordHeader{Key: h.Key, Value: h.Value})
	}
	return out
}
