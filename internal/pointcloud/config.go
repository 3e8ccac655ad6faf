package pointcloud

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-pointformer/internal/pointcloud/model"
)

// ErrInvalidConfig is returned by NewNetwork for unusable configurations.
var ErrInvalidConfig = errors.New("invalid network config")

// Config describes the encoder/decoder layout of a Network.
type Config struct {
	// InDim is the width of the input features.
	InDim int `cbor:"in_dim"`
	// Dims holds the feature width of each encoder level, shallowest first.
	Dims []int `cbor:"dims"`
	// NumPoints is N, the points per batch element the network accepts.
	NumPoints int `cbor:"num_points"`
	// K is the neighbourhood size of transformer blocks and transition downs.
	// Levels with fewer points use all of them.
	K int `cbor:"k"`
	// Ratio is the downsampling factor between consecutive levels.
	Ratio int `cbor:"ratio"`
	// InterpolationK is the number of points blended by each transition up.
	InterpolationK int `cbor:"interpolation_k"`
	// Seed drives parameter initialisation.
	Seed int64 `cbor:"seed"`
	// UseRunningStats switches every batch norm to its stored statistics.
	UseRunningStats bool `cbor:"use_running_stats"`
}

// DefaultConfig returns the five-level layout for 1000-point xyz clouds.
func DefaultConfig() Config {
	return Config{
		InDim:          3,
		Dims:           []int{32, 64, 128, 256, 512},
		NumPoints:      1000,
		K:              model.DefaultK,
		Ratio:          4,
		InterpolationK: model.DefaultInterpolationK,
		Seed:           model.DefaultSeed,
	}
}

// levelPoints returns the point count of every encoder level.
func (c Config) levelPoints() []int {
	points := make([]int, len(c.Dims))
	n := c.NumPoints
	for i := range points {
		if i > 0 {
			n /= c.Ratio
		}
		points[i] = n
	}
	return points
}

// Validate reports whether the configuration can build a Network.
func (c Config) Validate() error {
	switch {
	case c.InDim < 1:
		return fmt.Errorf("%w: in_dim %d", ErrInvalidConfig, c.InDim)
	case len(c.Dims) == 0:
		return fmt.Errorf("%w: no levels", ErrInvalidConfig)
	case c.K < 1:
		return fmt.Errorf("%w: k %d", ErrInvalidConfig, c.K)
	case c.Ratio < 1:
		return fmt.Errorf("%w: ratio %d", ErrInvalidConfig, c.Ratio)
	case c.InterpolationK < 1:
		return fmt.Errorf("%w: interpolation_k %d", ErrInvalidConfig, c.InterpolationK)
	}
	for i, d := range c.Dims {
		if d < 1 {
			return fmt.Errorf("%w: dims[%d] = %d", ErrInvalidConfig, i, d)
		}
	}
	points := c.levelPoints()
	if deepest := points[len(points)-1]; deepest < 1 {
		return fmt.Errorf("%w: %d points leave no points at level %d", ErrInvalidConfig, c.NumPoints, len(points)-1)
	}
	for i := 0; i+1 < len(points); i++ {
		if points[i+1] < c.InterpolationK {
			return fmt.Errorf("%w: level %d has %d points, fewer than interpolation_k %d", ErrInvalidConfig, i+1, points[i+1], c.InterpolationK)
		}
	}
	return nil
}
