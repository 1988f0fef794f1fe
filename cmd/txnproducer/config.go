package main

import (
	"flag"
	"fmt"
	"slices"

	dslog "github.com/grafana/dskit/log"

	"github.com/grafana/txnproducer/pkg/kafka"
	"github.com/grafana/txnproducer/pkg/twophase"
	"github.com/grafana/txnproducer/pkg/twophase/boltstore"
	"github.com/grafana/txnproducer/pkg/twophase/sqlstore"
	"github.com/grafana/txnproducer/pkg/txn"
)

const (
	storeBolt  = "bolt"
	storeMySQL = "mysql"
)

// Config is the root configuration of txnproducer. Every field can be set in
// the YAML file given with -config.file and overridden on the command line.
type Config struct {
	LogLevel             dslog.Level `yaml:"log_level"`
	LogFormat            string      `yaml:"log_format"`
	MetricsListenAddress string      `yaml:"metrics_listen_address"`

	Kafka    kafka.Config    `yaml:"kafka"`
	Txn      txn.Config      `yaml:"txn"`
	TwoPhase twophase.Config `yaml:"twophase"`
	Store    StoreConfig     `yaml:"store"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
	f.StringVar(&c.MetricsListenAddress, "metrics.listen-address", "", "Address to serve /metrics and /log_level on. Disabled when empty.")

	c.Kafka.RegisterFlags(f)
	c.Txn.RegisterFlags(f)
	c.TwoPhase.RegisterFlags(f)
	c.Store.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if c.LogFormat != "logfmt" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("invalid Kafka config: %w", err)
	}
	return c.Store.Validate()
}

// StoreConfig selects the local store of pending transactions.
type StoreConfig struct {
	Backend string           `yaml:"backend"`
	Bolt    boltstore.Config `yaml:"bolt"`
	MySQL   sqlstore.Config  `yaml:"mysql"`
}

func (c *StoreConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Backend, "store.backend", storeBolt, fmt.Sprintf("The store of pending transactions. Supported values: %s, %s.", storeBolt, storeMySQL))
	c.Bolt.RegisterFlags(f)
	c.MySQL.RegisterFlags(f)
}

func (c *StoreConfig) Validate() error {
	if !slices.Contains([]string{storeBolt, storeMySQL}, c.Backend) {
		return fmt.Errorf("unsupported store backend %q", c.Backend)
	}
	if c.Backend == storeMySQL {
		return c.MySQL.Validate()
	}
	return nil
}
