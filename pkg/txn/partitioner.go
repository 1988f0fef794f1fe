package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
)

// partitioner picks a partition for records sent with KeyPartition. Keyed
// records hash to a stable partition, keyless records are spread round-robin.
type partitioner struct {
	broker Broker

	mtx    sync.Mutex
	counts map[string]int32

	next *atomic.Uint32
}

func newPartitioner(broker Broker) *partitioner {
	return &partitioner{
		broker: broker,
		counts: map[string]int32{},
		next:   atomic.NewUint32(0),
	}
}

func (p *partitioner) partition(ctx context.Context, r *Record) (int32, error) {
	n, err := p.numPartitions(ctx, r.Topic)
	if err != nil {
		return 0, err
	}
	if len(r.Key) == 0 {
		return int32((p.next.Inc() - 1) % uint32(n)), nil
	}
	return int32(xxhash.Sum64(r.Key) % uint64(n)), nil
}

func (p *partitioner) numPartitions(ctx context.Context, topic string) (int32, error) {
	p.mtx.Lock()
	n, ok := p.counts[topic]
	p.mtx.Unlock()
	if ok {
		return n, nil
	}

	partitions, err := p.broker.PartitionsFor(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to look up partitions of topic %s: %w", topic, err)
	}
	if len(partitions) == 0 {
		return 0, fmt.Errorf("topic %s has no partitions", topic)
	}

	n = int32(len(partitions))
	p.mtx.Lock()
	p.counts[topic] = n
	p.mtx.Unlock()
	return n, nil
}
