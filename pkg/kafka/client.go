package kafka

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/kversion"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NewClient returns a kgo.Client configured with the common options of this
// package, followed by opts.
//
// The input prometheus.Registerer must be wrapped with a prefix (the names of
// metrics registered don't have a prefix).
func NewClient(cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...kgo.Opt) (*kgo.Client, error) {
	var metrics *kprom.Metrics
	if reg != nil {
		metrics = kprom.NewMetrics(
			"", // No prefix. We expect the input prometheus.Registered to be wrapped with a prefix.
			kprom.Registerer(reg),
			kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
	}
	return kgo.NewClient(append(commonKafkaClientOptions(cfg, metrics, logger), opts...)...)
}

type onlySampledTraces struct {
	propagation.TextMapPropagator
}

func (o onlySampledTraces) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsSampled() {
		return
	}
	o.TextMapPropagator.Inject(ctx, carrier)
}

func commonKafkaClientOptions(cfg Config, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.ClientID(cfg.ClientID),
		kgo.SeedBrokers(cfg.Address),
		kgo.DialTimeout(cfg.DialTimeout),

		// The cluster metadata is used to find partition leaders and the
		// brokers of the cluster. We set min and max age to the same value to
		// have constant load on the Kafka backend: regardless there are errors
		// or not, the metadata requests frequency doesn't change.
		kgo.MetadataMinAge(10 * time.Second),
		kgo.MetadataMaxAge(10 * time.Second),

		kgo.WithLogger(newLogger(logger)),

		kgo.RetryTimeoutFn(func(key int16) time.Duration {
			switch key {
			case ((*kmsg.EndTxnRequest)(nil)).Key(), ((*kmsg.InitProducerIDRequest)(nil)).Key():
				// Transaction coordinator requests are retried by the caller, which
				// bounds each of them.
				return cfg.WriteTimeout
			}

			// 30s is the default timeout in the Kafka client.
			return 30 * time.Second
		}),

		// AddPartitionsToTxn v4+ is reserved to brokers.
		kgo.MaxVersions(clientMaxVersions()),
	}

	if cfg.SASLUsername != "" && cfg.SASLPassword.String() != "" {
		opts = append(opts, kgo.SASL(plain.Plain(func(_ context.Context) (plain.Auth, error) {
			return plain.Auth{
				User: cfg.SASLUsername,
				Pass: cfg.SASLPassword.String(),
			}, nil
		})))
	}

	if cfg.AutoCreateTopicEnabled {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	tracer := kotel.NewTracer(
		kotel.TracerPropagator(propagation.NewCompositeTextMapPropagator(onlySampledTraces{propagation.TraceContext{}})),
	)
	opts = append(opts, kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...))

	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}

	return opts
}

func clientMaxVersions() *kversion.Versions {
	versions := kversion.Stable()
	versions.SetMaxKeyVersion(((*kmsg.AddPartitionsToTxnRequest)(nil)).Key(), 3)
	return versions
}
