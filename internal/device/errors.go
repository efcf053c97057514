package device

import (
	"errors"
	"fmt"
	"strings"
)

// Status is a cuDNN-style status code reported by a device driver.
type Status string

const (
	StatusNotInitialized  Status = "CUDNN_STATUS_NOT_INITIALIZED"
	StatusAllocFailed     Status = "CUDNN_STATUS_ALLOC_FAILED"
	StatusBadParam        Status = "CUDNN_STATUS_BAD_PARAM"
	StatusExecutionFailed Status = "CUDNN_STATUS_EXECUTION_FAILED"
	StatusNotSupported    Status = "CUDNN_STATUS_NOT_SUPPORTED"
)

// notSupportedMarker is what the driver prints for the nondeterministic
// fault seen with large batches in evaluation mode.
const notSupportedMarker = "cuDNN error: " + string(StatusNotSupported)

// DriverError is a failure reported by a device driver.
type DriverError struct {
	Backend string
	Op      string
	Status  Status
	Msg     string
}

func (e *DriverError) Error() string {
	msg := fmt.Sprintf("%s: %s: cuDNN error: %s", e.Backend, e.Op, e.Status)
	if e.Msg != "" {
		msg += ". " + e.Msg
	}
	return msg
}

// IsKnownDriverFault reports whether err is the known class of cuDNN
// "not supported" faults that disappear with smaller batches. Errors from
// foreign drivers are matched on their message.
func IsKnownDriverFault(err error) bool {
	if err == nil {
		return false
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.Status == StatusNotSupported
	}
	return strings.Contains(err.Error(), notSupportedMarker)
}
