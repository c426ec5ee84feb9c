// Package worker holds the gateway's background loops: usage and decision
// recorders, the request log, retention sweeps, and metric checkpoints.
package worker

import "context"

// Worker is one long-running loop. Run blocks until ctx is cancelled or
// the loop hits an unrecoverable error.
type Worker interface {
	Run(ctx context.Context) error
}
