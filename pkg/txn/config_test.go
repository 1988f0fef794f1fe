package txn

import (
	"testing"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	flagext.DefaultValues(&cfg)

	// The transactional ID has no default.
	require.ErrorIs(t, cfg.Validate(), ErrMissingTransactionalID)

	cfg.TransactionalID = "order-42"
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)

	cfg.RequestTimeout = 0
	require.ErrorIs(t, cfg.Validate(), ErrMissingRequestTimeout)

	cfg.RequestTimeout = time.Minute
	cfg.DeliveryTimeout = time.Second
	require.ErrorIs(t, cfg.Validate(), ErrInvalidTimeouts)

	cfg.DeliveryTimeout = time.Minute
	cfg.MaxBufferedRecords = 0
	require.Error(t, cfg.Validate())
}
