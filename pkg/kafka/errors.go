package kafka

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/grafana/txnproducer/pkg/txn"
)

// fencingErrors are returned by the broker once a newer epoch of the
// transactional ID exists, or the identity is no longer valid.
var fencingErrors = []error{
	kerr.ProducerFenced,
	kerr.InvalidProducerEpoch,
	kerr.InvalidProducerIDMapping,
	kerr.TransactionalIDAuthorizationFailed,
}

// transientErrors are not flagged retriable by Kafka but clear up on their own.
var transientErrors = []error{
	kerr.ConcurrentTransactions,
	kerr.NotCoordinator,
	kerr.CoordinatorNotAvailable,
	kerr.CoordinatorLoadInProgress,
	kerr.NotLeaderForPartition,
	kerr.RequestTimedOut,
}

// mapError wraps a Kafka error with the txn error it belongs to.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	for _, fencing := range fencingErrors {
		if errors.Is(err, fencing) {
			return fmt.Errorf("%w: %w", txn.ErrFenced, err)
		}
	}
	if errors.Is(err, kerr.UnsupportedVersion) || errors.Is(err, kerr.UnsupportedForMessageFormat) {
		return fmt.Errorf("%w: %w", txn.ErrIncompatibleBroker, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", txn.ErrTransient, err)
	}
	return err
}

func isTransient(err error) bool {
	for _, transient := range transientErrors {
		if errors.Is(err, transient) {
			return true
		}
	}
	if kerr.IsRetriable(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
