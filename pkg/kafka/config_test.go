package kafka

import (
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Config{}
	flagext.DefaultValues(&cfg)
	cfg.Topic = "orders"
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, CompressionNone, cfg.Compression)
}

func TestBothSASLParamsMustBeSet(t *testing.T) {
	cfg := validConfig()

	// No SASL params is valid
	err := cfg.Validate()
	require.NoError(t, err)

	// Just username is invalid
	cfg.SASLUsername = "abcd"
	cfg.SASLPassword = flagext.Secret{}
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInconsistentSASLConfig)

	// Just password is invalid
	cfg.SASLUsername = ""
	cfg.SASLPassword = flagext.SecretWithValue("abcd")
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInconsistentSASLConfig)

	// Both username and password is valid
	cfg.SASLUsername = "abcd"
	cfg.SASLPassword = flagext.SecretWithValue("abcd")
	err = cfg.Validate()
	require.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		setup    func(cfg *Config)
		expected error
	}{
		"missing address": {
			setup:    func(cfg *Config) { cfg.Address = "" },
			expected: ErrMissingKafkaAddress,
		},
		"missing topic": {
			setup:    func(cfg *Config) { cfg.Topic = "" },
			expected: ErrMissingKafkaTopic,
		},
		"record size too small": {
			setup:    func(cfg *Config) { cfg.ProducerMaxRecordSizeBytes = 1024 },
			expected: ErrInvalidProducerMaxRecordSizeBytes,
		},
		"record size too large": {
			setup:    func(cfg *Config) { cfg.ProducerMaxRecordSizeBytes = ProducerBatchMaxBytes },
			expected: ErrInvalidProducerMaxRecordSizeBytes,
		},
		"unknown compression": {
			setup:    func(cfg *Config) { cfg.Compression = "brotli" },
			expected: ErrInvalidCompression,
		},
		"zero partitions": {
			setup:    func(cfg *Config) { cfg.AutoCreateTopicDefaultPartitions = 0 },
			expected: ErrInvalidAutoCreateTopicPartitions,
		},
		"zero partitions without auto-creation": {
			setup: func(cfg *Config) {
				cfg.AutoCreateTopicEnabled = false
				cfg.AutoCreateTopicDefaultPartitions = 0
			},
		},
		"zero replication factor": {
			setup:    func(cfg *Config) { cfg.ReplicationFactor = 0 },
			expected: ErrInvalidAutoCreateReplicationFactor,
		},
		"zstd": {
			setup: func(cfg *Config) { cfg.Compression = CompressionZstd },
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			tc.setup(&cfg)

			err := cfg.Validate()
			if tc.expected == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.expected)
		})
	}
}
