package mapstore

import "time"

// Options configures the repository. The shape follows
// nodestorage.Options. Repository reads only PageSize; the retry and
// timeout fields are not read by it. Lock-busy retries happen in
// sqlstore.Engine.WithTxn under the engine's own sqlstore.Options.
type Options struct {
	MaxRetries       int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	RetryJitter      float64
	OperationTimeout time.Duration
	PageSize         int
}

// DefaultOptions mirrors nodestorage.DefaultOptions's defaults, with
// a PageSize added for List's keyset pagination.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		RetryDelay:       10 * time.Millisecond,
		MaxRetryDelay:    100 * time.Millisecond,
		RetryJitter:      0.1,
		OperationTimeout: 10 * time.Second,
		PageSize:         50,
	}
}
