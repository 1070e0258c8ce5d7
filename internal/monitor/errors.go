package monitor

import (
	"errors"

	"bootbus/internal/metrics"
)

// Sentinel errors, wrapped with fmt.Errorf("%w: %v", ...) at call sites so
// callers can classify with errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnWrite = errors.New("conn_write")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps a wrapped sentinel error to a metrics label.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrListen):
		return metrics.ErrMonitorListen
	case errors.Is(err, ErrAccept):
		return metrics.ErrMonitorAccept
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrMonitorWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrMonitorAccept
	default:
		return "other"
	}
}
