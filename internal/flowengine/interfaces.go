package flowengine

import (
	"context"
	"time"

	"github.com/voxdialer/voxdialer/internal/panel"
)

// LineSource is the subset of the dialer's capacity gate the operator
// transfer sub-protocol needs (spec.md §4.3.1). Defined here, consumer-side,
// so this package never imports the dialer package directly.
type LineSource interface {
	// RequestOperatorPriority signals the dialer to pause queue originations
	// while an operator transfer is in flight.
	RequestOperatorPriority()
	// ReleaseOperatorPriority undoes RequestOperatorPriority.
	ReleaseOperatorPriority()
	// ReserveLine polls for an available outbound line for up to timeout,
	// returning the line identifier and true on success.
	ReserveLine(ctx context.Context, timeout time.Duration) (line string, ok bool)
	// ReleaseLine returns a line reserved via ReserveLine.
	ReleaseLine(line string)
}

// ReportSink is the subset of the panel client the engine needs to deliver
// outcome reports (spec.md §4.4).
type ReportSink interface {
	ReportResult(ctx context.Context, report panel.Report) error
}
