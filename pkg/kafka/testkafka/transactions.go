package testkafka

import (
	"hash/crc32"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	transactionalAttr int16 = 0x10
	controlAttr       int16 = 0x20

	// Fetch v13 addresses topics by ID, which only kfake can resolve.
	maxFetchVersion int16 = 12

	// maxTxnVersion is the newest version of the transactional requests
	// served here. Newer versions batch several transactions per request.
	maxTxnVersion int16 = 3

	// maxFetchSleep bounds how long an empty fetch waits for new data.
	maxFetchSleep = 250 * time.Millisecond

	// producerSeqWindow is how many batches per producer are kept for
	// duplicate detection, as in Kafka.
	producerSeqWindow = 5
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

type topicPartition struct {
	topic     string
	partition int32
}

type transaction struct {
	producerID int64
	epoch      int16

	partitions map[topicPartition]struct{}
	groups     map[string]struct{}
	staged     map[string]map[topicPartition]int64

	// ended and committed describe the last completed transaction of the
	// epoch, so that a retried EndTxn succeeds.
	ended     bool
	committed bool
}

func (t *transaction) ongoing() bool {
	return len(t.partitions) > 0 || len(t.groups) > 0
}

type storedBatch struct {
	raw          []byte
	firstOffset  int64
	lastOffset   int64
	maxTimestamp int64
}

type abortedTxn struct {
	producerID   int64
	firstOffset  int64
	markerOffset int64
}

type sequencedBatch struct {
	firstSeq   int32
	numRecords int32
	baseOffset int64
}

type producerSeqs struct {
	epoch   int16
	nextSeq int32
	recent  []sequencedBatch
}

type partitionLog struct {
	batches []storedBatch
	hwm     int64

	// open maps a producer ID to the first offset of its open transaction.
	open      map[int64]int64
	aborted   []abortedTxn
	producers map[int64]*producerSeqs
}

func newPartitionLog() *partitionLog {
	return &partitionLog{
		open:      map[int64]int64{},
		producers: map[int64]*producerSeqs{},
	}
}

// lastStableOffset is the first offset of the oldest open transaction, or the
// high watermark.
func (l *partitionLog) lastStableOffset() int64 {
	lso := l.hwm
	for _, first := range l.open {
		lso = min(lso, first)
	}
	return lso
}

func (l *partitionLog) append(raw []byte, numRecords int32, maxTimestamp int64) int64 {
	base := l.hwm
	kbin.AppendInt64(raw[:0], base)
	l.batches = append(l.batches, storedBatch{
		raw:          raw,
		firstOffset:  base,
		lastOffset:   base + int64(numRecords) - 1,
		maxTimestamp: maxTimestamp,
	})
	l.hwm += int64(numRecords)
	return base
}

// appendMarker writes the control batch ending the open transaction of the
// producer.
func (l *partitionLog) appendMarker(producerID int64, epoch int16, commit bool) {
	markerType := byte(0)
	if commit {
		markerType = 1
	}
	now := time.Now().UnixMilli()

	// The key is the marker version and type, the value the marker version
	// and the coordinator epoch.
	rec := kmsg.Record{Key: []byte{0, 0, 0, markerType}, Value: make([]byte, 6)}
	rec.Length = int32(len(rec.AppendTo(nil)) - 1)

	raw := encodeBatch(kmsg.RecordBatch{
		PartitionLeaderEpoch: -1,
		Magic:                2,
		Attributes:           transactionalAttr | controlAttr,
		FirstTimestamp:       now,
		MaxTimestamp:         now,
		ProducerID:           producerID,
		ProducerEpoch:        epoch,
		FirstSequence:        -1,
		NumRecords:           1,
		Records:              rec.AppendTo(nil),
	})
	marker := l.append(raw, 1, now)

	first, ok := l.open[producerID]
	if !ok {
		first = marker
	}
	delete(l.open, producerID)
	if !commit {
		l.aborted = append(l.aborted, abortedTxn{producerID: producerID, firstOffset: first, markerOffset: marker})
	}
}

func encodeBatch(rb kmsg.RecordBatch) []byte {
	raw := rb.AppendTo(nil)
	rb.Length = int32(len(raw) - 12)
	rb.CRC = int32(crc32.Checksum(raw[21:], crc32c))
	return rb.AppendTo(raw[:0])
}

// transactions is a transaction coordinator and partition log for a kfake
// cluster, which knows producer IDs but not transactions. It takes over the
// produce, fetch and list offsets requests, so that read_committed consumers
// never see records of open or aborted transactions.
type transactions struct {
	cluster *kfake.Cluster
	apiKeys []kmsg.ApiVersionsResponseApiKey

	mtx     sync.Mutex
	nextPID int64
	txns    map[string]*transaction
	logs    map[topicPartition]*partitionLog
	offsets map[string]map[topicPartition]int64

	// changed is closed and replaced whenever a log grows.
	changed chan struct{}
}

// newTransactions returns a coordinator advertising the given kfake API
// versions plus the transactional requests it serves.
func newTransactions(cluster *kfake.Cluster, kfakeKeys []kmsg.ApiVersionsResponseApiKey) *transactions {
	keys := slices.Clone(kfakeKeys)
	for i := range keys {
		if keys[i].ApiKey == int16(kmsg.Fetch) {
			keys[i].MaxVersion = min(keys[i].MaxVersion, maxFetchVersion)
		}
	}
	for _, key := range []kmsg.Key{kmsg.AddPartitionsToTxn, kmsg.AddOffsetsToTxn, kmsg.EndTxn, kmsg.TxnOffsetCommit} {
		keys = slices.DeleteFunc(keys, func(k kmsg.ApiVersionsResponseApiKey) bool { return k.ApiKey == int16(key) })
		keys = append(keys, kmsg.ApiVersionsResponseApiKey{ApiKey: int16(key), MinVersion: 0, MaxVersion: maxTxnVersion})
	}
	slices.SortFunc(keys, func(a, b kmsg.ApiVersionsResponseApiKey) int { return int(a.ApiKey) - int(b.ApiKey) })

	return &transactions{
		cluster: cluster,
		apiKeys: keys,
		nextPID: 1,
		txns:    map[string]*transaction{},
		logs:    map[topicPartition]*partitionLog{},
		offsets: map[string]map[topicPartition]int64{},
		changed: make(chan struct{}),
	}
}

// install registers the request handlers on the cluster.
func (t *transactions) install() {
	handlers := map[kmsg.Key]func(kmsg.Request) (kmsg.Response, bool){
		kmsg.ApiVersions:        t.handleApiVersions,
		kmsg.InitProducerID:     t.handleInitProducerID,
		kmsg.AddPartitionsToTxn: t.handleAddPartitionsToTxn,
		kmsg.AddOffsetsToTxn:    t.handleAddOffsetsToTxn,
		kmsg.TxnOffsetCommit:    t.handleTxnOffsetCommit,
		kmsg.EndTxn:             t.handleEndTxn,
		kmsg.Produce:            t.handleProduce,
		kmsg.Fetch:              t.handleFetch,
		kmsg.ListOffsets:        t.handleListOffsets,
	}
	for key, handle := range handlers {
		t.cluster.ControlKey(int16(key), func(req kmsg.Request) (kmsg.Response, error, bool) {
			t.cluster.KeepControl()
			resp, handled := handle(req)
			return resp, nil, handled
		})
	}
}

func (t *transactions) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *transactions) logLocked(tp topicPartition) *partitionLog {
	l, ok := t.logs[tp]
	if !ok {
		l = newPartitionLog()
		t.logs[tp] = l
	}
	return l
}

func (t *transactions) handleApiVersions(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.ApiVersionsRequest)
	if req.Version > 3 {
		// kfake answers with UNSUPPORTED_VERSION so the client downgrades.
		return nil, false
	}
	resp := req.ResponseKind().(*kmsg.ApiVersionsResponse)
	resp.ApiKeys = slices.Clone(t.apiKeys)
	return resp, true
}

func (t *transactions) handleInitProducerID(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.InitProducerIDRequest)
	if req.TransactionalID == nil {
		// Idempotent producers are left to kfake.
		return nil, false
	}
	resp := req.ResponseKind().(*kmsg.InitProducerIDResponse)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	txn, ok := t.txns[*req.TransactionalID]
	switch {
	case !ok:
		txn = &transaction{producerID: t.nextPID}
		t.nextPID++
		t.txns[*req.TransactionalID] = txn
	default:
		// A new incarnation aborts whatever the previous one left open and
		// fences it with a higher epoch.
		if txn.ongoing() {
			t.endLocked(txn, false)
		}
		if txn.epoch == math.MaxInt16-1 {
			txn.producerID = t.nextPID
			txn.epoch = 0
			t.nextPID++
		} else {
			txn.epoch++
		}
		txn.ended = false
	}
	txn.partitions = map[topicPartition]struct{}{}
	txn.groups = map[string]struct{}{}
	txn.staged = map[string]map[topicPartition]int64{}

	resp.ProducerID = txn.producerID
	resp.ProducerEpoch = txn.epoch
	return resp, true
}

// validateLocked returns the transaction of the transactional ID if the
// producer ID and epoch are its current ones.
func (t *transactions) validateLocked(transactionalID string, producerID int64, epoch int16) (*transaction, int16) {
	txn, ok := t.txns[transactionalID]
	switch {
	case !ok || txn.producerID != producerID:
		return nil, kerr.InvalidProducerIDMapping.Code
	case epoch < txn.epoch:
		return nil, kerr.ProducerFenced.Code
	case epoch > txn.epoch:
		return nil, kerr.InvalidProducerEpoch.Code
	}
	return txn, 0
}

func (t *transactions) handleAddPartitionsToTxn(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.AddPartitionsToTxnRequest)
	resp := req.ResponseKind().(*kmsg.AddPartitionsToTxnResponse)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	txn, code := t.validateLocked(req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	for _, rt := range req.Topics {
		st := kmsg.NewAddPartitionsToTxnResponseTopic()
		st.Topic = rt.Topic
		for _, p := range rt.Partitions {
			sp := kmsg.NewAddPartitionsToTxnResponseTopicPartition()
			sp.Partition = p
			sp.ErrorCode = code
			if txn != nil {
				txn.partitions[topicPartition{rt.Topic, p}] = struct{}{}
				txn.ended = false
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp, true
}

func (t *transactions) handleAddOffsetsToTxn(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.AddOffsetsToTxnRequest)
	resp := req.ResponseKind().(*kmsg.AddOffsetsToTxnResponse)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	txn, code := t.validateLocked(req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	if txn != nil {
		txn.groups[req.Group] = struct{}{}
		txn.ended = false
	}
	resp.ErrorCode = code
	return resp, true
}

func (t *transactions) handleTxnOffsetCommit(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.TxnOffsetCommitRequest)
	resp := req.ResponseKind().(*kmsg.TxnOffsetCommitResponse)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	txn, code := t.validateLocked(req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	if txn != nil {
		if _, ok := txn.groups[req.Group]; !ok {
			txn, code = nil, kerr.InvalidTxnState.Code
		}
	}
	for _, rt := range req.Topics {
		st := kmsg.NewTxnOffsetCommitResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewTxnOffsetCommitResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.ErrorCode = code
			if txn != nil {
				staged := txn.staged[req.Group]
				if staged == nil {
					staged = map[topicPartition]int64{}
					txn.staged[req.Group] = staged
				}
				staged[topicPartition{rt.Topic, rp.Partition}] = rp.Offset
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp, true
}

func (t *transactions) handleEndTxn(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.EndTxnRequest)
	resp := req.ResponseKind().(*kmsg.EndTxnResponse)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	txn, code := t.validateLocked(req.TransactionalID, req.ProducerID, req.ProducerEpoch)
	switch {
	case txn == nil:
		resp.ErrorCode = code
	case txn.ongoing():
		t.endLocked(txn, req.Commit)
	case txn.ended && txn.committed == req.Commit:
		// Retry of the transaction that just ended.
	default:
		resp.ErrorCode = kerr.InvalidTxnState.Code
	}
	return resp, true
}

// endLocked writes the markers of the transaction and applies its offsets
// if it commits.
func (t *transactions) endLocked(txn *transaction, commit bool) {
	for tp := range txn.partitions {
		t.logLocked(tp).appendMarker(txn.producerID, txn.epoch, commit)
	}
	if commit {
		for group, staged := range txn.staged {
			committed := t.offsets[group]
			if committed == nil {
				committed = map[topicPartition]int64{}
				t.offsets[group] = committed
			}
			for tp, offset := range staged {
				committed[tp] = offset
			}
		}
	}

	txn.partitions = map[topicPartition]struct{}{}
	txn.groups = map[string]struct{}{}
	txn.staged = map[string]map[topicPartition]int64{}
	txn.ended = true
	txn.committed = commit
	t.notifyLocked()
}

func (t *transactions) handleProduce(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.ProduceRequest)
	resp := req.ResponseKind().(*kmsg.ProduceResponse)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, rt := range req.Topics {
		st := kmsg.NewProduceResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewProduceResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.BaseOffset, sp.ErrorCode = t.produceLocked(req.TransactionID, topicPartition{rt.Topic, rp.Partition}, rp.Records)
			sp.LogStartOffset = 0
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	if req.Acks == 0 {
		return nil, true
	}
	return resp, true
}

func validBatch(b *kmsg.RecordBatch, raw []byte) bool {
	return b.FirstOffset == 0 &&
		int(b.Length) == len(raw)-12 &&
		b.PartitionLeaderEpoch == -1 &&
		b.Magic == 2 &&
		b.CRC == int32(crc32.Checksum(raw[21:], crc32c)) &&
		b.Attributes&0x07 <= 4 &&
		b.Attributes&controlAttr == 0 &&
		b.NumRecords > 0 &&
		b.LastOffsetDelta == b.NumRecords-1
}

// produceLocked appends one record batch and returns its base offset. A
// duplicate of one of the last batches of the producer returns the offset it
// was written at.
func (t *transactions) produceLocked(transactionalID *string, tp topicPartition, raw []byte) (int64, int16) {
	var b kmsg.RecordBatch
	if err := b.ReadFrom(raw); err != nil || !validBatch(&b, raw) {
		return -1, kerr.CorruptMessage.Code
	}

	transactional := b.Attributes&transactionalAttr != 0
	if transactional {
		if transactionalID == nil {
			return -1, kerr.InvalidTxnState.Code
		}
		txn, code := t.validateLocked(*transactionalID, b.ProducerID, b.ProducerEpoch)
		if txn == nil {
			return -1, code
		}
		if _, ok := txn.partitions[tp]; !ok {
			return -1, kerr.InvalidTxnState.Code
		}
	}

	l := t.logLocked(tp)

	var seqs *producerSeqs
	if b.ProducerID >= 0 {
		seqs = l.producers[b.ProducerID]
		switch {
		case seqs == nil || b.ProducerEpoch > seqs.epoch:
			if b.FirstSequence != 0 {
				return -1, kerr.OutOfOrderSequenceNumber.Code
			}
			seqs = &producerSeqs{epoch: b.ProducerEpoch}
			l.producers[b.ProducerID] = seqs
		case b.ProducerEpoch < seqs.epoch:
			return -1, kerr.InvalidProducerEpoch.Code
		}
		for _, prev := range seqs.recent {
			if prev.firstSeq == b.FirstSequence && prev.numRecords == b.NumRecords {
				return prev.baseOffset, 0
			}
		}
		if b.FirstSequence != seqs.nextSeq {
			return -1, kerr.OutOfOrderSequenceNumber.Code
		}
	}

	if transactional {
		if _, ok := l.open[b.ProducerID]; !ok {
			l.open[b.ProducerID] = l.hwm
		}
	}
	base := l.append(slices.Clone(raw), b.NumRecords, b.MaxTimestamp)

	if seqs != nil {
		seqs.nextSeq = int32((int64(b.FirstSequence) + int64(b.NumRecords)) % (math.MaxInt32 + 1))
		seqs.recent = append(seqs.recent, sequencedBatch{firstSeq: b.FirstSequence, numRecords: b.NumRecords, baseOffset: base})
		if len(seqs.recent) > producerSeqWindow {
			seqs.recent = seqs.recent[1:]
		}
	}
	t.notifyLocked()
	return base, 0
}

func (t *transactions) handleFetch(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.FetchRequest)
	if req.Version > maxFetchVersion {
		return nil, false
	}

	t.mtx.Lock()
	resp, hasData := t.fetchLocked(req)
	changed := t.changed
	t.mtx.Unlock()

	wait := min(time.Duration(req.MaxWaitMillis)*time.Millisecond, maxFetchSleep)
	if hasData || wait <= 0 {
		return resp, true
	}

	// Yield to the other connections until something is written.
	t.cluster.SleepControl(func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-changed:
		case <-timer.C:
		}
	})

	t.mtx.Lock()
	resp, _ = t.fetchLocked(req)
	t.mtx.Unlock()
	return resp, true
}

func (t *transactions) fetchLocked(req *kmsg.FetchRequest) (*kmsg.FetchResponse, bool) {
	resp := req.ResponseKind().(*kmsg.FetchResponse)
	readCommitted := req.IsolationLevel == 1

	var hasData bool
	for _, rt := range req.Topics {
		st := kmsg.NewFetchResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewFetchResponseTopicPartition()
			sp.Partition = rp.Partition

			l := t.logs[topicPartition{rt.Topic, rp.Partition}]
			if l == nil {
				l = newPartitionLog()
			}
			sp.HighWatermark = l.hwm
			sp.LastStableOffset = l.lastStableOffset()
			sp.LogStartOffset = 0

			if rp.FetchOffset < 0 || rp.FetchOffset > l.hwm {
				sp.ErrorCode = kerr.OffsetOutOfRange.Code
				st.Partitions = append(st.Partitions, sp)
				continue
			}

			end := l.hwm
			if readCommitted {
				end = sp.LastStableOffset
			}
			for _, b := range l.batches {
				if b.lastOffset < rp.FetchOffset || b.firstOffset >= end {
					continue
				}
				sp.RecordBatches = append(sp.RecordBatches, b.raw...)
				hasData = true
			}
			if readCommitted {
				for _, a := range l.aborted {
					if a.markerOffset < rp.FetchOffset || a.firstOffset >= end {
						continue
					}
					at := kmsg.NewFetchResponseTopicPartitionAbortedTransaction()
					at.ProducerID = a.producerID
					at.FirstOffset = a.firstOffset
					sp.AbortedTransactions = append(sp.AbortedTransactions, at)
				}
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp, hasData
}

func (t *transactions) handleListOffsets(kreq kmsg.Request) (kmsg.Response, bool) {
	req := kreq.(*kmsg.ListOffsetsRequest)
	resp := req.ResponseKind().(*kmsg.ListOffsetsResponse)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, rt := range req.Topics {
		st := kmsg.NewListOffsetsResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewListOffsetsResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.LeaderEpoch = -1
			sp.Timestamp = -1

			l := t.logs[topicPartition{rt.Topic, rp.Partition}]
			if l == nil {
				l = newPartitionLog()
			}
			switch rp.Timestamp {
			case -2:
				sp.Offset = 0
			case -1:
				sp.Offset = l.hwm
				if req.IsolationLevel == 1 {
					sp.Offset = l.lastStableOffset()
				}
			default:
				sp.Offset = -1
				for _, b := range l.batches {
					if b.maxTimestamp >= rp.Timestamp {
						sp.Offset = b.firstOffset
						break
					}
				}
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp, true
}

// committedOffsets returns the offsets committed by transactions of the
// group.
func (t *transactions) committedOffsets(group string) map[string]map[int32]int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	out := map[string]map[int32]int64{}
	for tp, offset := range t.offsets[group] {
		if out[tp.topic] == nil {
			out[tp.topic] = map[int32]int64{}
		}
		out[tp.topic][tp.partition] = offset
	}
	return out
}

// openTransaction reports whether the transactional ID has a transaction
// the coordinator has not ended yet, and under which identity.
func (t *transactions) openTransaction(transactionalID string) (producerID int64, epoch int16, open bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	txn, ok := t.txns[transactionalID]
	if !ok {
		return -1, -1, false
	}
	return txn.producerID, txn.epoch, txn.ongoing()
}
