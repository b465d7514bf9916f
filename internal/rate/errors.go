package rate

import "errors"

var (
	// ErrStoreUnavailable indicates the counter backend is unreachable and
	// the returned Decision was produced by the degradation policy.
	ErrStoreUnavailable = errors.New("rate counter store unavailable")
)
