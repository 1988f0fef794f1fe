package txn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"golang.org/x/sync/errgroup"
)

var deliveryBackoff = backoff.Config{
	MinBackoff: 50 * time.Millisecond,
	MaxBackoff: 2 * time.Second,
}

// run is the sender loop. It drains the buffer whenever Send wakes it up and
// answers idle requests from waitIdle once the buffer is empty.
func (p *Producer) run() {
	defer close(p.done)

	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
			p.drain()
		case done := <-p.flushes:
			p.drain()
			close(done)
		}
	}
}

// drain delivers batches until the buffer is empty or delivery failed.
func (p *Producer) drain() {
	for p.deliverOnce(p.ctx) {
	}
}

// deliverOnce takes up to BatchMaxRecords records of every buffered
// partition, enlists the partitions not yet in the transaction and produces
// the batches. It returns whether it made progress.
func (p *Producer) deliverOnce(ctx context.Context) bool {
	p.mtx.Lock()
	empty := p.st.numBuffered == 0
	p.mtx.Unlock()
	if empty {
		return false
	}

	if _, err := p.ensureEpoch(ctx); err != nil {
		p.failDelivery(err)
		return false
	}

	p.mtx.Lock()
	if p.st.numBuffered == 0 {
		p.mtx.Unlock()
		return false
	}
	id := p.st.identity
	batches, toEnlist := p.takeBatchesLocked()
	buffered := p.st.numBuffered
	p.mtx.Unlock()

	p.metrics.bufferedRecords.Set(float64(buffered))

	if len(toEnlist) > 0 {
		err := p.retry(ctx, func(ctx context.Context) error {
			return p.enlist(ctx, id, toEnlist)
		})
		if err != nil {
			err = fmt.Errorf("failed to enlist partitions: %w", err)
			p.failBatches(batches, err)
			p.failDelivery(err)
			return false
		}
	}

	var g errgroup.Group
	for _, batch := range batches {
		g.Go(func() error {
			var base int64
			err := p.retry(ctx, func(ctx context.Context) error {
				var err error
				base, err = p.broker.Produce(ctx, id, batch.ProduceBatch)
				return err
			})
			if err != nil {
				err = fmt.Errorf("failed to produce to %s: %w", batch.TopicPartition, err)
			}
			p.completeBatch(batch, base, err)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		p.failDelivery(err)
		return false
	}
	return true
}

type pendingBatch struct {
	ProduceBatch
	promised []*promisedRecord
}

// takeBatchesLocked removes the next batch of every buffered partition from
// the buffer and assigns it its sequence numbers. It returns the batches in
// partition order and the partitions that must be enlisted first.
func (p *Producer) takeBatchesLocked() ([]pendingBatch, []TopicPartition) {
	var (
		batches  []pendingBatch
		toEnlist []TopicPartition
	)

	partitions := make(map[TopicPartition]struct{}, len(p.st.buffer))
	for tp := range p.st.buffer {
		partitions[tp] = struct{}{}
	}

	for _, tp := range sortedPartitions(partitions) {
		records := p.st.buffer[tp]
		n := min(len(records), p.cfg.BatchMaxRecords)
		taken := records[:n]
		if n == len(records) {
			delete(p.st.buffer, tp)
		} else {
			p.st.buffer[tp] = records[n:]
		}
		p.st.numBuffered -= n

		base := p.st.sequences[tp]
		p.st.sequences[tp] = nextSequence(base, n)

		batch := pendingBatch{
			ProduceBatch: ProduceBatch{TopicPartition: tp, BaseSequence: base, Records: make([]*Record, 0, n)},
			promised:     taken,
		}
		for _, r := range taken {
			batch.Records = append(batch.Records, r.Record)
		}
		batches = append(batches, batch)

		if _, ok := p.st.enlisted[tp]; !ok {
			toEnlist = append(toEnlist, tp)
		}
	}
	return batches, toEnlist
}

// nextSequence returns the sequence following n records starting at base.
// Sequences wrap to 0 after math.MaxInt32.
func nextSequence(base int32, n int) int32 {
	return int32((int64(base) + int64(n)) % (math.MaxInt32 + 1))
}

func (p *Producer) completeBatch(batch pendingBatch, base int64, err error) {
	for i, r := range batch.promised {
		switch {
		case err != nil:
		case base >= 0:
			r.Offset = base + int64(i)
		default:
			// Duplicate of an earlier attempt whose offset is unknown.
			r.Offset = -1
		}
		p.finish(r, err)
	}
}

func (p *Producer) failBatches(batches []pendingBatch, err error) {
	for _, batch := range batches {
		p.completeBatch(batch, -1, err)
	}
}

// failDelivery records a delivery failure. A fenced producer is fenced for
// good; any other failure poisons the transaction so that it can only be
// aborted. Records still buffered fail with the same cause.
func (p *Producer) failDelivery(err error) {
	if errors.Is(err, ErrFenced) {
		p.fence(err)
		return
	}

	p.mtx.Lock()
	if p.st.poisoned == nil {
		p.st.poisoned = err
	}
	p.mtx.Unlock()

	level.Warn(p.logger).Log("msg", "transaction failed delivery and must be aborted", "err", err)
	p.failBuffered(fmt.Errorf("%w: %w", ErrTransactionPoisoned, err))
}

// retry runs op until it succeeds, fails with a non-retriable error or the
// delivery timeout expires. Every attempt is bounded by the request timeout.
func (p *Producer) retry(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()

	boff := backoff.New(ctx, deliveryBackoff)
	var err error
	for boff.Ongoing() {
		reqCtx, cancelReq := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		err = op(reqCtx)
		cancelReq()

		if err == nil || !IsRetriable(err) {
			return err
		}
		level.Debug(p.logger).Log("msg", "retrying broker request", "retries", boff.NumRetries(), "err", err)
		boff.Wait()
	}
	if err == nil {
		err = boff.Err()
	}
	return err
}
