package device

import (
	"github.com/rs/zerolog/log"
)

// NewCudaBackend is the CUDA entry point. No CUDA kernels are linked into
// this build, so construction fails with a driver error instead of panicking.
func NewCudaBackend() (Backend, error) {
	err := &DriverError{
		Backend: "cuda",
		Op:      "init",
		Status:  StatusNotInitialized,
		Msg:     "CUDA backend is not supported in this build, use the cpu backend",
	}
	log.Debug().Err(err).Msg("CUDA backend unavailable")
	return nil, err
}
