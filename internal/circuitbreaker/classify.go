package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	gateway "github.com/relaymux/relay/internal"
)

// Weight returns the error weight for circuit breaker tracking.
//
// Weights:
//   - rate limited -> 0.5 (provider is alive, just throttling)
//   - provider 5xx / unavailable -> 1.0
//   - timeout -> 1.5 (ties up a connection for the full deadline)
//   - caller mistakes (validation, auth, context length) -> 0.0
//   - network errors (non-timeout) -> 1.0
//   - nil -> 0.0
func Weight(err error) float64 {
	if err == nil {
		return 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var ge *gateway.Error
	if errors.As(err, &ge) {
		return classWeight(ge.Class)
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Generic errors (e.g. connection refused) -> treat as provider fault.
	return 1.0
}

func classWeight(class gateway.ErrorClass) float64 {
	switch class {
	case gateway.ClassRateLimited:
		return 0.5
	case gateway.ClassProviderTimeout:
		return 1.5
	case gateway.ClassProviderServer, gateway.ClassProviderUnavailable:
		return 1.0
	case gateway.ClassProviderAuth:
		// Misconfigured key, not load-related; do not trip the breaker.
		return 0.0
	default:
		return 0.0
	}
}
