package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"go.etcd.io/bbolt"

	"github.com/grafana/txnproducer/pkg/kafka"
	"github.com/grafana/txnproducer/pkg/twophase"
	"github.com/grafana/txnproducer/pkg/twophase/boltstore"
	"github.com/grafana/txnproducer/pkg/twophase/sqlstore"
	"github.com/grafana/txnproducer/pkg/txn"
)

const (
	createMarkersTableQuery = `CREATE TABLE IF NOT EXISTS transaction_markers (
	transactional_id VARCHAR(255) NOT NULL PRIMARY KEY,
	marker VARCHAR(255) NOT NULL
)`

	upsertMarkerQuery = `INSERT INTO transaction_markers (transactional_id, marker) VALUES (?, ?) ON DUPLICATE KEY UPDATE marker = VALUES(marker)`
)

type produceOptions struct {
	partition         int32
	count             int
	start             int
	marker            string
	crashAfterPrepare bool
}

// transactions is the part of a twophase.Coordinator used by the commands,
// independent of the transaction type of the store.
type transactions interface {
	Prepare(ctx context.Context, p *txn.Producer, marker string, produce func(context.Context, *txn.Producer) error) (twophase.Pending, error)
	Commit(ctx context.Context, p *txn.Producer, pending twophase.Pending) error
	Recover(ctx context.Context) (twophase.RecoveryResult, error)

	// IsPending reports whether the store holds a pending transaction for
	// the transactional ID.
	IsPending(ctx context.Context, transactionalID string) (bool, error)
}

type coordinator[T any] struct {
	*twophase.Coordinator[T]
	store twophase.Store[T]

	// work records the marker of a transaction in the store.
	work func(ctx context.Context, transactionalID, marker string) func(T) error
}

func (c *coordinator[T]) Prepare(ctx context.Context, p *txn.Producer, marker string, produce func(context.Context, *txn.Producer) error) (twophase.Pending, error) {
	return c.Coordinator.Prepare(ctx, p, marker, produce, c.work(ctx, p.TransactionalID(), marker))
}

func (c *coordinator[T]) IsPending(ctx context.Context, transactionalID string) (bool, error) {
	_, err := c.store.Get(ctx, transactionalID)
	if errors.Is(err, twophase.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func boltMarker(_ context.Context, transactionalID, marker string) func(*bbolt.Tx) error {
	return func(tx *bbolt.Tx) error {
		return tx.Bucket(boltstore.BusinessBucketName).Put([]byte(transactionalID), []byte(marker))
	}
}

func sqlMarker(ctx context.Context, transactionalID, marker string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertMarkerQuery, transactionalID, marker)
		return err
	}
}

func openCoordinator(ctx context.Context, config Config, newProducer twophase.ProducerFactory, logger log.Logger, reg prometheus.Registerer) (transactions, func(), error) {
	switch config.Store.Backend {
	case storeMySQL:
		s, err := sqlstore.Open(ctx, config.Store.MySQL, logger)
		if err != nil {
			return nil, nil, err
		}
		err = s.Update(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, createMarkersTableQuery)
			return err
		})
		if err != nil {
			closeQuietly(s, logger)
			return nil, nil, fmt.Errorf("failed to create markers table: %w", err)
		}
		return &coordinator[*sql.Tx]{
			Coordinator: twophase.NewCoordinator[*sql.Tx](config.TwoPhase, s, newProducer, logger, reg),
			store:       s,
			work:        sqlMarker,
		}, func() { closeQuietly(s, logger) }, nil

	default:
		s, err := boltstore.Open(config.Store.Bolt, logger)
		if err != nil {
			return nil, nil, err
		}
		return &coordinator[*bbolt.Tx]{
			Coordinator: twophase.NewCoordinator[*bbolt.Tx](config.TwoPhase, s, newProducer, logger, reg),
			store:       s,
			work:        boltMarker,
		}, func() { closeQuietly(s, logger) }, nil
	}
}

func closeQuietly(s io.Closer, logger log.Logger) {
	if err := s.Close(); err != nil {
		level.Warn(logger).Log("msg", "failed to close store", "err", err)
	}
}

// newProducerFactory returns a factory of producers, each with its own Kafka
// broker connection. Metrics are registered on reg with a transactional_id
// label; reg may be nil.
func newProducerFactory(config Config, logger log.Logger, reg prometheus.Registerer) twophase.ProducerFactory {
	return func(ctx context.Context, transactionalID string) (*txn.Producer, error) {
		reg := reg
		if reg != nil {
			reg = prometheus.WrapRegistererWith(prometheus.Labels{"transactional_id": transactionalID}, reg)
		}

		broker, err := kafka.NewBroker(ctx, config.Kafka, logger, reg)
		if err != nil {
			return nil, err
		}

		cfg := config.Txn
		cfg.TransactionalID = transactionalID
		if cfg.DefaultTopic == "" {
			cfg.DefaultTopic = config.Kafka.Topic
		}

		p, err := txn.NewProducer(cfg, broker, logger, reg)
		if err != nil {
			broker.Close()
			return nil, err
		}
		return p, nil
	}
}

func runProvision(ctx context.Context, config Config, logger log.Logger) error {
	client, err := kafka.NewClient(config.Kafka, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to create Kafka client: %w", err)
	}
	defer client.Close()

	provisioner := kafka.NewTopicProvisioner(kadm.NewClient(client), logger)
	return provisioner.Provision(ctx, []kafka.TopicEntry{kafka.TopicEntryFromConfig(config.Kafka)})
}

func runProduce(ctx context.Context, config Config, opts produceOptions, logger log.Logger, reg prometheus.Registerer) error {
	newProducer := newProducerFactory(config, logger, reg)

	coord, closeStore, err := openCoordinator(ctx, config, newProducer, logger, reg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initializing the producer would abort a transaction prepared by a
	// previous run.
	pending, err := coord.IsPending(ctx, config.Txn.TransactionalID)
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("transaction %s is pending, run the recover command first", config.Txn.TransactionalID)
	}

	p, err := newProducer(ctx, config.Txn.TransactionalID)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.InitTransactions(ctx); err != nil {
		return err
	}

	marker := opts.marker
	if marker == "" {
		marker = uuid.NewString()
	}

	produce := func(ctx context.Context, p *txn.Producer) error {
		records := make([]*txn.Record, 0, opts.count)
		for i := 0; i < opts.count; i++ {
			records = append(records, &txn.Record{
				Topic:     config.Kafka.Topic,
				Partition: opts.partition,
				Value:     []byte(strconv.Itoa(opts.start + i)),
			})
		}
		return p.ProduceSync(ctx, records...).FirstErr()
	}

	prepared, err := coord.Prepare(ctx, p, marker, produce)
	if err != nil {
		return err
	}
	level.Info(logger).Log(
		"msg", "transaction prepared",
		"transactional_id", p.TransactionalID(),
		"producer_id", prepared.ProducerID,
		"epoch", prepared.Epoch,
		"coordinator_id", prepared.CoordinatorID,
		"marker", marker,
	)

	if opts.crashAfterPrepare {
		level.Warn(logger).Log("msg", "exiting without committing, run the recover command to commit the transaction", "transactional_id", p.TransactionalID())
		return nil
	}

	if err := coord.Commit(ctx, p, prepared); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "transaction committed", "transactional_id", p.TransactionalID(), "records", opts.count)
	return nil
}

func runRecover(ctx context.Context, config Config, watch bool, logger log.Logger, reg prometheus.Registerer) error {
	// A producer is created for every recovery attempt, possibly more than
	// once for the same transactional ID, so their metrics are not registered.
	coord, closeStore, err := openCoordinator(ctx, config, newProducerFactory(config, logger, nil), logger, reg)
	if err != nil {
		return err
	}
	defer closeStore()

	if !watch {
		result, err := coord.Recover(ctx)
		level.Info(logger).Log(
			"msg", "recovery finished",
			"committed", len(result.Committed),
			"fenced", len(result.Fenced),
			"failed", len(result.Failed),
		)
		return err
	}

	svc := twophase.NewRecoveryService(coord, config.TwoPhase.RecoveryInterval, logger)
	if err := services.StartAndAwaitRunning(ctx, svc); err != nil {
		return err
	}
	<-ctx.Done()
	return services.StopAndAwaitTerminated(context.Background(), svc)
}

func runConsume(ctx context.Context, config Config, partition int32, idle time.Duration, w io.Writer, logger log.Logger) error {
	reader, err := kafka.NewCommittedReader(config.Kafka, config.Kafka.Topic, logger, nil)
	if err != nil {
		return err
	}
	defer reader.Close()

	records, err := reader.ReadAll(ctx, idle)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Partition != partition {
			continue
		}
		if _, err := fmt.Fprintln(w, string(r.Value)); err != nil {
			return err
		}
	}
	return nil
}
