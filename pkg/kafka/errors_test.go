package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/grafana/txnproducer/pkg/txn"
)

func TestMapError(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected error
	}{
		"producer fenced":         {err: kerr.ProducerFenced, expected: txn.ErrFenced},
		"invalid epoch":           {err: kerr.InvalidProducerEpoch, expected: txn.ErrFenced},
		"unknown producer id":     {err: kerr.InvalidProducerIDMapping, expected: txn.ErrFenced},
		"wrapped fencing error":   {err: fmt.Errorf("orders-0: %w", kerr.ProducerFenced), expected: txn.ErrFenced},
		"unsupported version":     {err: kerr.UnsupportedVersion, expected: txn.ErrIncompatibleBroker},
		"concurrent transactions": {err: kerr.ConcurrentTransactions, expected: txn.ErrTransient},
		"coordinator moved":       {err: kerr.NotCoordinator, expected: txn.ErrTransient},
		"coordinator loading":     {err: kerr.CoordinatorLoadInProgress, expected: txn.ErrTransient},
		"leader moved":            {err: kerr.NotLeaderForPartition, expected: txn.ErrTransient},
		"connection closed":       {err: io.EOF, expected: txn.ErrTransient},
		"invalid transition":      {err: kerr.InvalidTxnState},
		"unrelated error":         {err: errors.New("boom")},
		"context deadline":        {err: context.DeadlineExceeded, expected: context.DeadlineExceeded},
		"nil":                     {},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mapped := mapError(tc.err)
			if tc.err == nil {
				require.NoError(t, mapped)
				return
			}
			require.ErrorIs(t, mapped, tc.err)
			if tc.expected != nil {
				require.ErrorIs(t, mapped, tc.expected)
				return
			}
			require.NotErrorIs(t, mapped, txn.ErrFenced)
			require.NotErrorIs(t, mapped, txn.ErrTransient)
			require.NotErrorIs(t, mapped, txn.ErrIncompatibleBroker)
		})
	}
}

func TestMapError_Classification(t *testing.T) {
	require.True(t, txn.IsFatal(mapError(kerr.ProducerFenced)))
	require.True(t, txn.IsFatal(mapError(kerr.UnsupportedForMessageFormat)))
	require.True(t, txn.IsRetriable(mapError(kerr.CoordinatorNotAvailable)))
	require.False(t, txn.IsRetriable(mapError(kerr.InvalidTxnState)))
}
