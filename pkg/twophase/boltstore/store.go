package boltstore

import (
	"context"
	"flag"
	"slices"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/grafana/txnproducer/pkg/twophase"
)

var (
	// PendingBucketName holds the pending transactions, keyed by
	// transactional ID.
	PendingBucketName = []byte("pending_transactions")

	// BusinessBucketName is created for the business work of callers that
	// keep their own state in the same file.
	BusinessBucketName = []byte("business")

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

type Config struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("store.bolt.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+"path", "txnproducer.db", "Path of the bbolt file holding pending transactions.")
	f.DurationVar(&cfg.OpenTimeout, prefix+"open-timeout", time.Second, "How long to wait for the file lock held by another process.")
}

// Store is a twophase.Store on a bbolt file. Business work runs in the same
// bbolt read-write transaction as the pending record.
type Store struct {
	db     *bbolt.DB
	logger log.Logger
}

var _ twophase.Store[*bbolt.Tx] = (*Store)(nil)

func Open(cfg Config, logger log.Logger) (*Store, error) {
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{PendingBucketName, BusinessBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			level.Warn(logger).Log("msg", "failed to close bbolt file", "path", cfg.Path, "err", closeErr)
		}
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Prepare(_ context.Context, pending twophase.Pending, work func(*bbolt.Tx) error) error {
	value, err := json.Marshal(pending)
	if err != nil {
		return errors.Wrap(err, "encode pending transaction")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(PendingBucketName).Put([]byte(pending.TransactionalID), value); err != nil {
			return errors.Wrap(err, "write pending transaction")
		}
		return work(tx)
	})
}

func (s *Store) Update(_ context.Context, work func(*bbolt.Tx) error) error {
	return s.db.Update(work)
}

func (s *Store) List(_ context.Context) ([]twophase.Pending, error) {
	var out []twophase.Pending
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(PendingBucketName).ForEach(func(k, v []byte) error {
			var p twophase.Pending
			if err := json.Unmarshal(v, &p); err != nil {
				return errors.Wrapf(err, "decode pending transaction %s", k)
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b twophase.Pending) int { return a.PreparedAt.Compare(b.PreparedAt) })
	return out, nil
}

func (s *Store) Get(_ context.Context, transactionalID string) (twophase.Pending, error) {
	var p twophase.Pending
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(PendingBucketName).Get([]byte(transactionalID))
		if v == nil {
			return twophase.ErrNotFound
		}
		return errors.Wrapf(json.Unmarshal(v, &p), "decode pending transaction %s", transactionalID)
	})
	return p, err
}

func (s *Store) Delete(_ context.Context, transactionalID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return errors.Wrap(tx.Bucket(PendingBucketName).Delete([]byte(transactionalID)), "delete pending transaction")
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
