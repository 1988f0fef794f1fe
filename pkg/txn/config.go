package txn

import (
	"errors"
	"flag"
	"time"
)

const (
	DefaultTransactionTimeout = time.Minute
	DefaultRequestTimeout     = 10 * time.Second
	DefaultDeliveryTimeout    = 2 * time.Minute
	DefaultMaxBufferedRecords = 10000
	DefaultBatchMaxRecords    = 1000
)

var (
	ErrMissingTransactionalID = errors.New("the transactional ID must be set")
	ErrMissingRequestTimeout  = errors.New("the request timeout must be greater than 0")
	ErrInvalidTimeouts        = errors.New("the delivery timeout must be greater than or equal to the request timeout")
)

// Config configures a transactional Producer.
type Config struct {
	// TransactionalID is the stable name of the transaction. At most one
	// producer may use it at a time.
	TransactionalID string `yaml:"transactional_id"`

	// DefaultTopic is used for records that do not name a topic.
	DefaultTopic string `yaml:"default_topic"`

	// TransactionTimeout is how long the coordinator waits before aborting an
	// open transaction on its own. A pending transaction must be resumed and
	// committed within this window.
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`

	// RequestTimeout bounds every broker round trip. The zero value is
	// rejected, so a blocking call can never wait forever.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DeliveryTimeout bounds how long a record is retried before it fails.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	MaxBufferedRecords int `yaml:"max_buffered_records"`
	BatchMaxRecords    int `yaml:"batch_max_records"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("txn.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.TransactionalID, prefix+"transactional-id", "", "The transactional ID of the producer. It must be stable across restarts so pending transactions can be resumed.")
	f.StringVar(&cfg.DefaultTopic, prefix+"default-topic", "", "The topic used for records that do not set one.")
	f.DurationVar(&cfg.TransactionTimeout, prefix+"transaction-timeout", DefaultTransactionTimeout, "The time after which the coordinator aborts an open transaction. A prepared transaction must be committed within this time.")
	f.DurationVar(&cfg.RequestTimeout, prefix+"request-timeout", DefaultRequestTimeout, "The maximum time a single broker round trip may take.")
	f.DurationVar(&cfg.DeliveryTimeout, prefix+"delivery-timeout", DefaultDeliveryTimeout, "The maximum time a record is retried before its delivery fails.")
	f.IntVar(&cfg.MaxBufferedRecords, prefix+"max-buffered-records", DefaultMaxBufferedRecords, "The maximum number of records buffered before Send blocks.")
	f.IntVar(&cfg.BatchMaxRecords, prefix+"batch-max-records", DefaultBatchMaxRecords, "The maximum number of records written to a partition in one produce request.")
}

func (cfg *Config) Validate() error {
	if cfg.TransactionalID == "" {
		return ErrMissingTransactionalID
	}
	if cfg.RequestTimeout <= 0 {
		return ErrMissingRequestTimeout
	}
	if cfg.DeliveryTimeout < cfg.RequestTimeout {
		return ErrInvalidTimeouts
	}
	if cfg.TransactionTimeout <= 0 {
		return errors.New("the transaction timeout must be greater than 0")
	}
	if cfg.MaxBufferedRecords <= 0 {
		return errors.New("max-buffered-records must be greater than 0")
	}
	if cfg.BatchMaxRecords <= 0 {
		return errors.New("batch-max-records must be greater than 0")
	}
	return nil
}
