package tunnel

import (
	"context"

	"github.com/devports/rpt/pkg/logging"
	"github.com/devports/rpt/pkg/process"
)

// Detector decides whether a spawned ssh child has brought its forward up.
type Detector interface {
	Established(ctx context.Context, pid int) bool
}

// ConnectionCountDetector is a heuristic, not an acknowledgement from the
// remote side: a live forward shows the control connection plus the local
// listener, so it waits for at least Min sockets owned by the pid. Dual-stack
// listeners can inflate the count.
type ConnectionCountDetector struct {
	Inspector process.Inspector
	Min       int
}

func (d ConnectionCountDetector) Established(ctx context.Context, pid int) bool {
	n, err := d.Inspector.ConnectionCount(ctx, pid)
	if err != nil {
		// The pid may already be gone; the exit path reports that.
		logging.Debug("tunnel", "inspect pid %d: %v", pid, err)
		return false
	}
	min := d.Min
	if min <= 0 {
		min = 2
	}
	return n >= min
}
