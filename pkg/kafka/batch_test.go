package kafka

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/grafana/txnproducer/pkg/txn"
)

type decodedRecord struct {
	timestampDelta int64
	offsetDelta    int32
	key         []byte
	value       []byte
	headers     []txn.RecordHeader
}

func decodeBatch(t *testing.T, raw []byte) (kmsg.RecordBatch, []decodedRecord) {
	t.Helper()

	var batch kmsg.RecordBatch
	require.NoError(t, batch.ReadFrom(raw))
	require.Equal(t, int8(2), batch.Magic)
	require.Equal(t, int32(len(raw)-12), batch.Length)
	require.Equal(t, uint32(batch.CRC), crc32.Checksum(raw[21:], crc32c), "crc")

	records := decompress(t, batch.Attributes&0x07, batch.Records)

	r := kbin.Reader{Src: records}
	decoded := make([]decodedRecord, 0, batch.NumRecords)
	for range batch.NumRecords {
		body := kbin.Reader{Src: r.Span(int(r.Varint()))}
		body.Int8() // attributes

		rec := decodedRecord{timestampDelta: body.Varlong()}
		rec.offsetDelta = body.Varint()
		rec.key = body.VarintBytes()
		rec.value = body.VarintBytes()
		for range body.Varint() {
			rec.headers = append(rec.headers, txn.RecordHeader{Key: body.VarintString(), Value: body.VarintBytes()})
		}
		require.NoError(t, body.Complete())
		decoded = append(decoded, rec)
	}
	require.NoError(t, r.Complete())
	return batch, decoded
}

func decompress(t *testing.T, codec int16, src []byte) []byte {
	t.Helper()

	switch codec {
	case 0:
		return src
	case 1:
		r, err := gzip.NewReader(bytes.NewReader(src))
		require.NoError(t, err)
		out, err := io.ReadAll(r)
		require.NoError(t, err)
		return out
	case 2:
		out, err := s2.Decode(nil, src)
		require.NoError(t, err)
		return out
	case 3:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
		require.NoError(t, err)
		return out
	case 4:
		dec, err := zstd.NewReader(nil)
		require.NoError(t, err)
		defer dec.Close()
		out, err := dec.DecodeAll(src, nil)
		require.NoError(t, err)
		return out
	}
	require.FailNow(t, "unknown codec", "codec %d", codec)
	return nil
}

func testBatch(values ...string) txn.ProduceBatch {
	now := time.UnixMilli(1_700_000_000_000)
	batch := txn.ProduceBatch{
		TopicPartition: txn.TopicPartition{Topic: "orders", Partition: 0},
		BaseSequence:   5,
	}
	for i, v := range values {
		batch.Records = append(batch.Records, &txn.Record{
			Topic:     "orders",
			Key:       []byte(fmt.Sprintf("key-%d", i)),
			Value:     []byte(v),
			Headers:   []txn.RecordHeader{{Key: "order", Value: []byte("42")}},
			Timestamp: now.Add(time.Duration(i) * time.Millisecond),
		})
	}
	return batch
}

func TestBatchEncoder_Header(t *testing.T) {
	id := txn.Identity{TransactionalID: "order-42", ProducerID: 7, Epoch: 2}
	enc := &batchEncoder{maxRecordBytes: minProducerRecordDataBytesLimit}

	raw, err := enc.encode(id, testBatch("1", "2", "3"))
	require.NoError(t, err)

	batch, records := decodeBatch(t, raw)
	require.Equal(t, int64(0), batch.FirstOffset)
	require.Equal(t, int32(-1), batch.PartitionLeaderEpoch)
	require.Equal(t, transactionalAttr, batch.Attributes)
	require.Equal(t, int32(2), batch.LastOffsetDelta)
	require.Equal(t, int64(1_700_000_000_000), batch.FirstTimestamp)
	require.Equal(t, int64(1_700_000_000_002), batch.MaxTimestamp)
	require.Equal(t, int64(7), batch.ProducerID)
	require.Equal(t, int16(2), batch.ProducerEpoch)
	require.Equal(t, int32(5), batch.FirstSequence)
	require.Equal(t, int32(3), batch.NumRecords)

	require.Len(t, records, 3)
	for i, rec := range records {
		require.Equal(t, int32(i), rec.offsetDelta)
		require.Equal(t, fmt.Sprintf("key-%d", i), string(rec.key))
		require.Equal(t, fmt.Sprintf("%d", i+1), string(rec.value))
		require.Equal(t, []txn.RecordHeader{{Key: "order", Value: []byte("42")}}, rec.headers)
	}
}

func TestBatchEncoder_LongTimestampDelta(t *testing.T) {
	batch := testBatch("1", "2")
	batch.Records[1].Timestamp = batch.Records[0].Timestamp.Add(30 * 24 * time.Hour)

	raw, err := (&batchEncoder{}).encode(txn.Identity{ProducerID: 1}, batch)
	require.NoError(t, err)

	rb, records := decodeBatch(t, raw)
	require.Equal(t, batch.Records[1].Timestamp.UnixMilli(), rb.MaxTimestamp)
	require.Equal(t, int64(0), records[0].timestampDelta)
	require.Equal(t, (30 * 24 * time.Hour).Milliseconds(), records[1].timestampDelta)
}

func TestBatchEncoder_NilKey(t *testing.T) {
	batch := testBatch("1")
	batch.Records[0].Key = nil
	batch.Records[0].Headers = nil

	raw, err := (&batchEncoder{}).encode(txn.Identity{ProducerID: 1}, batch)
	require.NoError(t, err)

	_, records := decodeBatch(t, raw)
	require.Len(t, records, 1)
	require.Nil(t, records[0].key)
	require.Empty(t, records[0].headers)
}

func TestBatchEncoder_Compression(t *testing.T) {
	values := make([]string, 0, 50)
	for i := range 50 {
		values = append(values, fmt.Sprintf("order-%d %s", i, bytes.Repeat([]byte("a"), 200)))
	}

	for _, codec := range compressionCodecs {
		t.Run(codec, func(t *testing.T) {
			comp, err := newCompressor(codec)
			require.NoError(t, err)
			enc := &batchEncoder{compressor: comp}

			raw, err := enc.encode(txn.Identity{ProducerID: 3, Epoch: 1}, testBatch(values...))
			require.NoError(t, err)

			batch, records := decodeBatch(t, raw)
			require.Equal(t, transactionalAttr, batch.Attributes&transactionalAttr)
			if comp == nil {
				require.Zero(t, batch.Attributes&0x07)
			} else {
				require.Equal(t, comp.attrs, batch.Attributes&0x07)
			}

			require.Len(t, records, len(values))
			for i, rec := range records {
				require.Equal(t, values[i], string(rec.value))
			}
		})
	}
}

func TestBatchEncoder_IncompressibleRecordsAreSentUncompressed(t *testing.T) {
	comp, err := newCompressor(CompressionGzip)
	require.NoError(t, err)

	raw, err := (&batchEncoder{compressor: comp}).encode(txn.Identity{ProducerID: 3}, testBatch("x"))
	require.NoError(t, err)

	batch, records := decodeBatch(t, raw)
	require.Zero(t, batch.Attributes&0x07)
	require.Len(t, records, 1)
}

func TestBatchEncoder_Errors(t *testing.T) {
	enc := &batchEncoder{maxRecordBytes: 10}

	_, err := enc.encode(txn.Identity{}, txn.ProduceBatch{})
	require.ErrorIs(t, err, ErrEmptyBatch)

	_, err = enc.encode(txn.Identity{}, testBatch("a value longer than ten bytes"))
	require.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestNewCompressor_UnknownCodec(t *testing.T) {
	_, err := newCompressor("brotli")
	require.ErrorIs(t, err, ErrInvalidCompression)
}
