package collab

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/zjrosen/clusterd/internal/clusterstate"
)

// RetryingRequester wraps a Requester, retrying a *clusterstate.TransportError
// a bounded number of times with exponential backoff before giving up and
// returning the last error to the caller, who treats it exactly as a
// single failed call (spec.md §7: logged at [BUG] severity, core recovers
// on the next tick).
type RetryingRequester struct {
	inner      Requester
	maxRetries uint
}

// NewRetryingRequester wraps inner with up to maxRetries retries per call.
func NewRetryingRequester(inner Requester, maxRetries uint) *RetryingRequester {
	return &RetryingRequester{inner: inner, maxRetries: maxRetries}
}

func (r *RetryingRequester) AddressInfo(ctx context.Context, peer, subject clusterstate.Address) (PeerAddressInfo, error) {
	return backoff.Retry(ctx, func() (PeerAddressInfo, error) {
		info, err := r.inner.AddressInfo(ctx, peer, subject)
		if err != nil {
			return PeerAddressInfo{}, err
		}
		return info, nil
	}, backoff.WithMaxTries(r.maxRetries+1))
}

func (r *RetryingRequester) AllProcessInfo(ctx context.Context, peer clusterstate.Address) ([]ProcessInfo, error) {
	return backoff.Retry(ctx, func() ([]ProcessInfo, error) {
		return r.inner.AllProcessInfo(ctx, peer)
	}, backoff.WithMaxTries(r.maxRetries+1))
}
