//go:build cgo && netlib

package device

// Builds tagged netlib route every sgemm (Mul, MulTransA, MulTransB) through
// the system BLAS: Accelerate on macOS, OpenBLAS on Linux.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blasName = "netlib"
	log.Debug().Str("blas", blasName).Msg("System BLAS registered for CPU kernels")
}
