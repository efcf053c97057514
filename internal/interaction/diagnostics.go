package interaction

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-kge/internal/device"
)

// driverBugURL tracks the cuDNN fault that shows up in evaluation mode.
const driverBugURL = "https://github.com/allenai/allennlp/issues/2888"

// DriverFaultError relabels a known nondeterministic driver fault with
// actionable guidance. The original error is kept as the cause.
type DriverFaultError struct {
	Op  string
	Err error
}

func (e *DriverFaultError) Error() string {
	return fmt.Sprintf("%s: this crash might have been caused by a CUDA bug, see %s, "+
		"which causes the code to crash during evaluation mode. "+
		"To avoid this error, the batch size has to be reduced: %v", e.Op, driverBugURL, e.Err)
}

func (e *DriverFaultError) Unwrap() error { return e.Err }

// withDriverDiagnostics runs fn once. Known driver faults come back as a
// *DriverFaultError, everything else unchanged.
func withDriverDiagnostics[T any](op string, fn func() (T, error)) (T, error) {
	res, err := fn()
	if err == nil || !device.IsKnownDriverFault(err) {
		return res, err
	}
	driverFaults.WithLabelValues(op).Inc()
	log.Warn().Err(err).Str("op", op).Msg("Known driver fault, reduce the batch size")
	var zero T
	return zero, &DriverFaultError{Op: op, Err: err}
}
