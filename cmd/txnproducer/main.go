package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/grafana/txnproducer/pkg/cfg"
	util_log "github.com/grafana/txnproducer/pkg/util/log"
)

const configFileFlag = "config.file"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line args and returns the process exit code.
// Everything it started is stopped before it returns.
func run(args []string, stdout, stderr io.Writer) int {
	app := kingpin.New("txnproducer", "Produces Kafka records in transactions that survive a crash between prepare and commit.")
	app.HelpFlag.Short('h')
	app.UsageWriter(stdout)
	app.ErrorWriter(stderr)

	var config Config
	fs := flag.NewFlagSet("txnproducer", flag.ContinueOnError)
	configFile := cfg.ConfigFileFromArgs(args, configFileFlag)
	if err := cfg.Unmarshal(&config, cfg.Defaults(fs), cfg.YAMLFile(configFile)); err != nil {
		fmt.Fprintf(stderr, "failed parsing config: %v\n", err)
		return 1
	}
	app.Flag(configFileFlag, "YAML file to load the configuration from. Command line flags override its values.").String()
	cfg.Kingpin(app, fs)

	provisionCmd := app.Command("provision", "Create the configured topic.")

	var (
		recoverCmd   = app.Command("recover", "Resume and commit every pending transaction of the store.")
		recoverWatch = recoverCmd.Flag("watch", "Keep running and recover again every -twophase.recovery-interval.").Bool()

		consumeCmd       = app.Command("consume", "Print the values of committed records of a partition.")
		consumePartition = consumeCmd.Flag("partition", "Partition to read.").Default("0").Int32()
		consumeIdle      = consumeCmd.Flag("idle-timeout", "Stop once no record arrived for this long.").Default("2s").Duration()
	)

	var produceFlags produceOptions
	produceCmd := app.Command("produce", "Produce integer records in one transaction, persisting it before the commit.")
	produceCmd.Flag("partition", "Partition to write to.").Default("0").Int32Var(&produceFlags.partition)
	produceCmd.Flag("count", "Number of records to produce.").Default("3").IntVar(&produceFlags.count)
	produceCmd.Flag("start", "Value of the first record. Following records count up from it.").Default("1").IntVar(&produceFlags.start)
	produceCmd.Flag("marker", "Business marker stored with the pending transaction. A random UUID when empty.").StringVar(&produceFlags.marker)
	produceCmd.Flag("crash-after-prepare", "Exit after the transaction is prepared and persisted, without committing it.").BoolVar(&produceFlags.crashAfterPrepare)

	command, err := app.Parse(args)
	if err != nil {
		app.Errorf("%s, try --help", err)
		return 2
	}

	if err := config.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	logger := util_log.InitLogger(config.LogLevel, config.LogFormat, reg)

	if config.MetricsListenAddress != "" {
		srv := newMetricsServer(config.MetricsListenAddress, reg, &config.LogLevel, logger)
		defer srv.shutdown()
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	// The metrics of the Kafka client and the producer are registered without
	// a prefix.
	txnReg := prometheus.WrapRegistererWithPrefix("txnproducer_", reg)

	switch command {
	case provisionCmd.FullCommand():
		err = runProvision(ctx, config, logger)
	case produceCmd.FullCommand():
		err = runProduce(ctx, config, produceFlags, logger, txnReg)
	case recoverCmd.FullCommand():
		err = runRecover(ctx, config, *recoverWatch, logger, txnReg)
	case consumeCmd.FullCommand():
		err = runConsume(ctx, config, *consumePartition, *consumeIdle, stdout, logger)
	}
	if err != nil {
		level.Error(logger).Log("msg", "command failed", "command", command, "err", err)
		return 1
	}
	return 0
}

func signalContext(logger log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := signals.NewHandler(logger)
	go func() {
		handler.Loop()
		cancel()
	}()
	return ctx, func() {
		handler.Stop()
		cancel()
	}
}
