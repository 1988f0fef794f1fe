package twophase

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/txnproducer/pkg/txn"
)

const (
	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
	outcomeFenced    = "fenced"
	outcomeFailed    = "failed"
)

// ErrNotCommitted is returned by Commit when the transaction is prepared but
// could not be committed. Its pending record is kept for recovery.
var ErrNotCommitted = errors.New("transaction prepared but not committed")

type Config struct {
	// CommitBackoff bounds the retries of a commit failing with a transient
	// error.
	CommitBackoff backoff.Config `yaml:"commit_backoff"`

	// RecoveryInterval is how often pending transactions are recovered after
	// startup. 0 recovers at startup only.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("twophase.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.CommitBackoff.MinBackoff, prefix+"commit-backoff.min-period", 100*time.Millisecond, "Minimum delay when retrying a commit.")
	f.DurationVar(&cfg.CommitBackoff.MaxBackoff, prefix+"commit-backoff.max-period", 5*time.Second, "Maximum delay when retrying a commit.")
	f.IntVar(&cfg.CommitBackoff.MaxRetries, prefix+"commit-backoff.retries", 10, "Number of times to retry a commit.")
	f.DurationVar(&cfg.RecoveryInterval, prefix+"recovery-interval", time.Minute, "How often pending transactions are recovered after startup. 0 to recover at startup only.")
}

// ProducerFactory returns a new, uninitialized producer for a transactional
// ID. The coordinator closes it once done.
type ProducerFactory func(ctx context.Context, transactionalID string) (*txn.Producer, error)

// Coordinator drives the two-phase commit between a transactional producer
// and a local store: the produced records and the business work either both
// become visible or neither does, across crashes of the process.
type Coordinator[T any] struct {
	cfg         Config
	store       Store[T]
	newProducer ProducerFactory
	logger      log.Logger

	preparedTotal  prometheus.Counter
	completedTotal *prometheus.CounterVec
	recoveredTotal *prometheus.CounterVec
	pending        prometheus.Gauge
}

func NewCoordinator[T any](cfg Config, store Store[T], newProducer ProducerFactory, logger log.Logger, reg prometheus.Registerer) *Coordinator[T] {
	return &Coordinator[T]{
		cfg:         cfg,
		store:       store,
		newProducer: newProducer,
		logger:      log.With(logger, "component", "twophase-coordinator"),

		preparedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "twophase_prepared_transactions_total",
			Help: "Total number of transactions prepared and persisted to the local store.",
		}),
		completedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "twophase_completed_transactions_total",
			Help: "Total number of transactions completed by the coordinator, by outcome.",
		}, []string{"outcome"}),
		recoveredTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "twophase_recovered_transactions_total",
			Help: "Total number of pending transactions handled by recovery, by outcome.",
		}, []string{"outcome"}),
		pending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "twophase_pending_transactions",
			Help: "Number of pending transactions found by the last recovery.",
		}),
	}
}

// Execute runs one transaction: it prepares it with Prepare and commits it
// with Commit. The producer must be initialized and not in a transaction.
func (c *Coordinator[T]) Execute(ctx context.Context, p *txn.Producer, marker string, produce func(context.Context, *txn.Producer) error, work func(T) error) error {
	pending, err := c.Prepare(ctx, p, marker, produce, work)
	if err != nil {
		return err
	}
	return c.Commit(ctx, p, pending)
}

// Prepare begins a transaction, produces its records and flushes them. It then
// persists the transaction identity together with the business work in one
// local transaction. When any step fails the broker transaction is aborted and
// nothing is persisted.
//
// A transaction that never reached the coordinator is not persisted; the
// returned pending record is then the zero value.
func (c *Coordinator[T]) Prepare(ctx context.Context, p *txn.Producer, marker string, produce func(context.Context, *txn.Producer) error, work func(T) error) (Pending, error) {
	logger := log.With(c.logger, "transactional_id", p.TransactionalID(), "marker", marker)

	if err := p.BeginTransaction(); err != nil {
		return Pending{}, err
	}

	if err := produce(ctx, p); err != nil {
		return Pending{}, c.abort(ctx, logger, p, fmt.Errorf("failed to produce: %w", err))
	}

	id, err := p.Prepare(ctx)
	if err != nil {
		return Pending{}, c.abort(ctx, logger, p, fmt.Errorf("failed to prepare: %w", err))
	}

	if !p.Stats().Open {
		if err := c.store.Update(ctx, work); err != nil {
			return Pending{}, c.abort(ctx, logger, p, fmt.Errorf("failed to run local transaction: %w", err))
		}
		return Pending{}, nil
	}

	coordinatorID, err := p.TransactionCoordinatorID(ctx)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to look up transaction coordinator", "err", err)
		coordinatorID = txn.NoCoordinator
	}

	pending := Pending{
		TransactionalID: id.TransactionalID,
		ProducerID:      id.ProducerID,
		Epoch:           id.Epoch,
		CoordinatorID:   coordinatorID,
		Marker:          marker,
		PreparedAt:      time.Now().UTC(),
	}
	if err := c.store.Prepare(ctx, pending, work); err != nil {
		return Pending{}, c.abort(ctx, logger, p, fmt.Errorf("failed to persist prepared transaction: %w", err))
	}

	c.preparedTotal.Inc()
	level.Info(logger).Log("msg", "prepared transaction", "producer_id", id.ProducerID, "epoch", id.Epoch, "coordinator_id", coordinatorID)
	return pending, nil
}

// Commit commits a transaction prepared by Prepare and deletes its pending
// record. Transient failures are retried. When the commit does not succeed
// the record is kept, so that Recover completes the transaction.
func (c *Coordinator[T]) Commit(ctx context.Context, p *txn.Producer, pending Pending) error {
	if err := c.commit(ctx, p); err != nil {
		c.completedTotal.WithLabelValues(outcome(err)).Inc()
		return fmt.Errorf("%w: %w", ErrNotCommitted, err)
	}
	c.completedTotal.WithLabelValues(outcomeCommitted).Inc()

	if pending.TransactionalID == "" {
		return nil
	}
	if err := c.store.Delete(ctx, pending.TransactionalID); err != nil {
		// A leftover record is committed again by recovery, which is a no-op
		// at the coordinator.
		level.Warn(c.logger).Log("msg", "failed to delete committed transaction", "transactional_id", pending.TransactionalID, "err", err)
	}
	return nil
}

func (c *Coordinator[T]) commit(ctx context.Context, p *txn.Producer) error {
	boff := backoff.New(ctx, c.cfg.CommitBackoff)
	var err error
	for boff.Ongoing() {
		if err = p.CommitTransaction(ctx); err == nil || !txn.IsRetriable(err) {
			return err
		}
		level.Warn(c.logger).Log("msg", "failed to commit transaction, retrying", "transactional_id", p.TransactionalID(), "retries", boff.NumRetries(), "err", err)
		boff.Wait()
	}
	if err == nil {
		err = boff.Err()
	}
	return err
}

func (c *Coordinator[T]) abort(ctx context.Context, logger log.Logger, p *txn.Producer, cause error) error {
	if err := p.AbortTransaction(ctx); err != nil {
		level.Error(logger).Log("msg", "failed to abort transaction", "cause", cause, "err", err)
		c.completedTotal.WithLabelValues(outcome(err)).Inc()
		return errors.Join(cause, err)
	}
	c.completedTotal.WithLabelValues(outcomeAborted).Inc()
	return cause
}

// RecoveryResult lists the transactional IDs handled by a recovery.
type RecoveryResult struct {
	Committed []string
	// Fenced transactions were superseded by a newer epoch. Their records
	// are kept for an operator to inspect.
	Fenced []string
	Failed []string
}

// Recover resumes and commits every pending transaction of the store. It
// must run before new transactions are started for the same transactional
// IDs, because initializing a producer aborts the prepared transaction.
func (c *Coordinator[T]) Recover(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult

	pendings, err := c.store.List(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	c.pending.Set(float64(len(pendings)))

	var errs []error
	for _, pending := range pendings {
		err := c.recoverOne(ctx, pending)
		switch {
		case err == nil:
			result.Committed = append(result.Committed, pending.TransactionalID)
		case errors.Is(err, txn.ErrFenced):
			result.Fenced = append(result.Fenced, pending.TransactionalID)
		default:
			result.Failed = append(result.Failed, pending.TransactionalID)
			errs = append(errs, fmt.Errorf("%s: %w", pending.TransactionalID, err))
		}
		c.recoveredTotal.WithLabelValues(outcome(err)).Inc()

		if ctx.Err() != nil {
			break
		}
	}

	if len(pendings) > 0 {
		level.Info(c.logger).Log("msg", "recovered pending transactions", "committed", len(result.Committed), "fenced", len(result.Fenced), "failed", len(result.Failed))
	}
	return result, errors.Join(errs...)
}

func (c *Coordinator[T]) recoverOne(ctx context.Context, pending Pending) error {
	logger := log.With(c.logger, "transactional_id", pending.TransactionalID, "producer_id", pending.ProducerID, "epoch", pending.Epoch, "marker", pending.Marker)

	p, err := c.newProducer(ctx, pending.TransactionalID)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	defer p.Close()

	if err := p.ResumeTransaction(pending.ProducerID, pending.Epoch); err != nil {
		return err
	}

	if err := c.commit(ctx, p); err != nil {
		if errors.Is(err, txn.ErrFenced) {
			level.Error(logger).Log("msg", "pending transaction was fenced and needs operator attention", "prepared_at", pending.PreparedAt, "err", err)
		} else {
			level.Warn(logger).Log("msg", "failed to commit pending transaction", "err", err)
		}
		return err
	}

	if err := c.store.Delete(ctx, pending.TransactionalID); err != nil {
		return fmt.Errorf("committed but failed to delete pending transaction: %w", err)
	}
	level.Info(logger).Log("msg", "committed pending transaction")
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeCommitted
	case errors.Is(err, txn.ErrFenced):
		return outcomeFenced
	default:
		return outcomeFailed
	}
}
