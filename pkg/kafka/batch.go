package kafka

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/grafana/txnproducer/pkg/txn"
)

// transactionalAttr marks a record batch as part of a transaction.
const transactionalAttr int16 = 0x10

var (
	ErrEmptyBatch     = errors.New("cannot encode an empty record batch")
	ErrRecordTooLarge = errors.New("record is larger than the producer max record size")

	crc32c = crc32.MakeTable(crc32.Castagnoli) // record batch CRCs use the Castagnoli table
)

// batchEncoder encodes records as a magic v2 record batch, the format of
// produce requests since Kafka 0.11.
type batchEncoder struct {
	compressor     *compressor
	maxRecordBytes int
}

// encode returns the record batch of the records, written under the given
// identity. The batch is transactional and carries the idempotent sequence
// number of its first record.
func (e *batchEncoder) encode(id txn.Identity, batch txn.ProduceBatch) ([]byte, error) {
	if len(batch.Records) == 0 {
		return nil, ErrEmptyBatch
	}

	firstTimestamp := batch.Records[0].Timestamp.UnixMilli()
	maxTimestamp := firstTimestamp

	records := make([]byte, 0, 64*len(batch.Records))
	for i, r := range batch.Records {
		if size := len(r.Key) + len(r.Value); e.maxRecordBytes > 0 && size > e.maxRecordBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
		}
		ts := r.Timestamp.UnixMilli()
		maxTimestamp = max(maxTimestamp, ts)
		records = appendRecord(records, r, ts-firstTimestamp, int32(i))
	}

	attrs := transactionalAttr
	if e.compressor != nil {
		compressed, err := e.compressor.compress(records)
		if err != nil {
			return nil, fmt.Errorf("failed to compress record batch: %w", err)
		}
		// Records that do not shrink are sent uncompressed.
		if len(compressed) < len(records) {
			records = compressed
			attrs |= e.compressor.attrs
		}
	}

	rb := kmsg.RecordBatch{
		FirstOffset:          0, // assigned by the broker
		PartitionLeaderEpoch: -1,
		Magic:                2,
		Attributes:           attrs,
		LastOffsetDelta:      int32(len(batch.Records) - 1),
		FirstTimestamp:       firstTimestamp,
		MaxTimestamp:         maxTimestamp,
		ProducerID:           id.ProducerID,
		ProducerEpoch:        id.Epoch,
		FirstSequence:        batch.BaseSequence,
		NumRecords:           int32(len(batch.Records)),
		Records:              records,
	}

	// Length excludes the offset and the length itself. The CRC starts at the
	// attributes, so neither field is part of it.
	raw := rb.AppendTo(nil)
	rb.Length = int32(len(raw) - 12)
	rb.CRC = int32(crc32.Checksum(raw[21:], crc32c))
	return rb.AppendTo(raw[:0]), nil
}

// appendRecord appends r in its length-prefixed wire form.
func appendRecord(dst []byte, r *txn.Record, timestampDelta int64, offsetDelta int32) []byte {
	rec := kmsg.Record{
		TimestampDelta64: timestampDelta,
		OffsetDelta:      offsetDelta,
		Key:              r.Key,
		Value:            r.Value,
	}
	for _, h := range r.Headers {
		rec.Headers = append(rec.Headers, kmsg.Header{Key: h.Key, Value: h.Value})
	}

	// A zero length is a single varint byte.
	rec.Length = int32(len(rec.AppendTo(nil)) - 1)
	return rec.AppendTo(dst)
}
