package kafka

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/grafana/dskit/flagext"
)

const (
	// ProducerBatchMaxBytes is the max allowed size of a record batch. The
	// broker rejects larger batches, so records are limited below this value.
	ProducerBatchMaxBytes = 16_000_000

	maxProducerRecordDataBytesLimit = ProducerBatchMaxBytes - 16384
	minProducerRecordDataBytesLimit = 1024 * 1024
)

var (
	ErrMissingKafkaAddress                = errors.New("the Kafka address has not been configured")
	ErrMissingKafkaTopic                  = errors.New("the Kafka topic has not been configured")
	ErrInconsistentSASLConfig             = errors.New("both the SASL username and password must be set")
	ErrInvalidProducerMaxRecordSizeBytes  = fmt.Errorf("the configured producer max record size bytes must be a value between %d and %d", minProducerRecordDataBytesLimit, maxProducerRecordDataBytesLimit)
	ErrInvalidCompression                 = fmt.Errorf("the compression codec must be one of: %s", strings.Join(compressionCodecs, ", "))
	ErrInvalidAutoCreateTopicPartitions   = errors.New("the number of partitions of auto-created topics must be greater than 0")
	ErrInvalidAutoCreateReplicationFactor = errors.New("the replication factor of auto-created topics must be greater than 0")
)

// Config holds the connection settings of the Kafka cluster.
type Config struct {
	Address      string        `yaml:"address"`
	Topic        string        `yaml:"topic"`
	ClientID     string        `yaml:"client_id"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	SASLUsername string         `yaml:"sasl_username"`
	SASLPassword flagext.Secret `yaml:"sasl_password"`

	AutoCreateTopicEnabled           bool `yaml:"auto_create_topic_enabled"`
	AutoCreateTopicDefaultPartitions int  `yaml:"auto_create_topic_default_partitions"`
	ReplicationFactor                int  `yaml:"replication_factor"`

	ProducerMaxRecordSizeBytes int `yaml:"producer_max_record_size_bytes"`

	// Compression is the codec used for produced record batches.
	Compression string `yaml:"compression"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("kafka.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+"address", "localhost:9092", "The Kafka backend address.")
	f.StringVar(&cfg.Topic, prefix+"topic", "", "The Kafka topic name.")
	f.StringVar(&cfg.ClientID, prefix+"client-id", "", "The Kafka client ID.")
	f.DurationVar(&cfg.DialTimeout, prefix+"dial-timeout", 2*time.Second, "The maximum time allowed to open a connection to a Kafka broker.")
	f.DurationVar(&cfg.WriteTimeout, prefix+"write-timeout", 10*time.Second, "How long to wait for an incoming write request to be successfully committed to the Kafka backend.")

	f.StringVar(&cfg.SASLUsername, prefix+"sasl-username", "", "The SASL username for authentication to Kafka using the PLAIN mechanism. Both username and password must be set.")
	f.Var(&cfg.SASLPassword, prefix+"sasl-password", "The SASL password for authentication to Kafka using the PLAIN mechanism. Both username and password must be set.")

	f.BoolVar(&cfg.AutoCreateTopicEnabled, prefix+"auto-create-topic-enabled", true, "Enable auto-creation of Kafka topic if it doesn't exist.")
	f.IntVar(&cfg.AutoCreateTopicDefaultPartitions, prefix+"auto-create-topic-default-partitions", 1, "The number of partitions of the topic when it is created by the provision command or auto-created by the broker.")
	f.IntVar(&cfg.ReplicationFactor, prefix+"replication-factor", 1, "The replication factor of topics created by the provision command.")

	f.IntVar(&cfg.ProducerMaxRecordSizeBytes, prefix+"producer-max-record-size-bytes", maxProducerRecordDataBytesLimit, "The maximum size of a Kafka record data that should be generated by the producer. An incoming write request larger than this size is rejected.")
	f.StringVar(&cfg.Compression, prefix+"compression", CompressionNone, fmt.Sprintf("The compression codec of produced record batches. Supported values: %s.", strings.Join(compressionCodecs, ", ")))
}

func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return ErrMissingKafkaAddress
	}
	if cfg.Topic == "" {
		return ErrMissingKafkaTopic
	}
	if cfg.ProducerMaxRecordSizeBytes < minProducerRecordDataBytesLimit || cfg.ProducerMaxRecordSizeBytes > maxProducerRecordDataBytesLimit {
		return ErrInvalidProducerMaxRecordSizeBytes
	}
	if (cfg.SASLUsername == "") != (cfg.SASLPassword.String() == "") {
		return ErrInconsistentSASLConfig
	}
	if cfg.Compression != "" && !slices.Contains(compressionCodecs, cfg.Compression) {
		return ErrInvalidCompression
	}
	if cfg.AutoCreateTopicEnabled && cfg.AutoCreateTopicDefaultPartitions <= 0 {
		return ErrInvalidAutoCreateTopicPartitions
	}
	if cfg.ReplicationFactor <= 0 {
		return ErrInvalidAutoCreateReplicationFactor
	}
	return nil
}
