package txn

import (
	"context"
	"errors"
	"time"
)

// KeyPartition asks the producer to pick the partition from the record key.
const KeyPartition int32 = -1

// RecordHeader is a key/value pair attached to a record.
type RecordHeader struct {
	Key   string
	Value []byte
}

// Record is a message sent within a transaction. Offset is set on the record
// returned by Future.Get once the broker acknowledged it.
type Record struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Headers   []RecordHeader
	Timestamp time.Time
	Offset    int64
}

// ProduceBatch is a run of records for one partition, in send order, with the
// sequence number of the first record.
type ProduceBatch struct {
	TopicPartition
	BaseSequence int32
	Records      []*Record
}

// Future resolves once the record was acknowledged or failed.
type Future struct {
	record *Record
	done   chan struct{}
	err    error
}

func newFuture(r *Record) *Future {
	return &Future{record: r, done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result of the record.
func (f *Future) Get(ctx context.Context) (*Record, error) {
	select {
	case <-f.done:
		return f.record, f.err
	case <-ctx.Done():
		return f.record, ctx.Err()
	}
}

// ProduceResult is the outcome of one record passed to ProduceSync.
type ProduceResult struct {
	Record *Record
	Err    error
}

type ProduceResults []ProduceResult

// FirstErr returns the first error of the results, if any.
func (rs ProduceResults) FirstErr() error {
	for _, r := range rs {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Errs joins every error of the results.
func (rs ProduceResults) Errs() error {
	var errs []error
	for _, r := range rs {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// promisedRecord is a buffered record and the future waiting on it.
type promisedRecord struct {
	*Record
	future *Future
}
