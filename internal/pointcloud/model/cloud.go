package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/neighbors"
)

// ErrShapeMismatch is returned when tensors handed to a stage violate its
// shape contract.
var ErrShapeMismatch = errors.New("shape mismatch")

// Cloud is a batch of point sets with co-indexed features.
//
// XYZ holds Batch*N rows of 3 coordinates, Feat holds Batch*N rows of C
// features; row b*N+i of both belongs to point i of batch element b.
type Cloud struct {
	Batch int
	XYZ   device.Tensor
	Feat  device.Tensor
}

// NewCloud copies flat batch-major coordinates and features into tensors.
func NewCloud(backend device.Backend, batch, n int, xyz []float32, channels int, feat []float32) (Cloud, error) {
	if batch < 1 || len(xyz) != batch*n*neighbors.Dim {
		return Cloud{}, fmt.Errorf("%w: %d coordinates for %dx%d points", ErrShapeMismatch, len(xyz), batch, n)
	}
	if len(feat) != batch*n*channels {
		return Cloud{}, fmt.Errorf("%w: %d features for %dx%d points with %d channels", ErrShapeMismatch, len(feat), batch, n, channels)
	}
	return Cloud{
		Batch: batch,
		XYZ:   backend.NewTensor(batch*n, neighbors.Dim, xyz),
		Feat:  backend.NewTensor(batch*n, channels, feat),
	}, nil
}

// Points returns N, the number of points per batch element.
func (c Cloud) Points() int {
	r, _ := c.XYZ.Dims()
	return r / c.Batch
}

// Channels returns the feature width C.
func (c Cloud) Channels() int {
	_, cols := c.Feat.Dims()
	return cols
}

// Validate checks the Cloud invariants.
func (c Cloud) Validate() error {
	if err := c.validateXYZ(); err != nil {
		return err
	}
	if c.Feat == nil {
		return fmt.Errorf("%w: missing features", ErrShapeMismatch)
	}
	xr, _ := c.XYZ.Dims()
	fr, _ := c.Feat.Dims()
	if xr != fr {
		return fmt.Errorf("%w: %d coordinate rows, %d feature rows", ErrShapeMismatch, xr, fr)
	}
	return nil
}

func (c Cloud) validateXYZ() error {
	if c.Batch < 1 || c.XYZ == nil {
		return fmt.Errorf("%w: empty cloud", ErrShapeMismatch)
	}
	r, cols := c.XYZ.Dims()
	if cols != neighbors.Dim || r%c.Batch != 0 {
		return fmt.Errorf("%w: coordinates are %dx%d for batch %d", ErrShapeMismatch, r, cols, c.Batch)
	}
	return nil
}

func (c Cloud) expectChannels(want int) error {
	if got := c.Channels(); got != want {
		return fmt.Errorf("%w: expected %d channels, got %d", ErrShapeMismatch, want, got)
	}
	return nil
}

// IndexPoints gathers rows of points, a (B*N) x C tensor, independently per
// batch element. idx holds B equal blocks of S indices into [0, N); S is N'
// for a plain index or N'*K for a neighbourhood index. The result is
// (B*S) x C with row b*S+s equal to points row b*N+idx[b*S+s].
func IndexPoints(points device.Tensor, batch int, idx []int) device.Tensor {
	rows, _ := points.Dims()
	return points.Gather(flatIndex(rows/batch, batch, idx))
}

// flatIndex turns per-batch indices into rows of a (B*n) x C tensor. The
// result serves both Gather and its adjoint ScatterAdd.
func flatIndex(n, batch int, idx []int) []int {
	per := len(idx) / batch
	flat := make([]int, len(idx))
	for b := 0; b < batch; b++ {
		for s := 0; s < per; s++ {
			flat[b*per+s] = b*n + idx[b*per+s]
		}
	}
	return flat
}

// hostData returns t's values without copying when the backend allows it.
func hostData(t device.Tensor) []float32 {
	if d := t.Data(); d != nil {
		return d
	}
	return t.ToHost()
}

// knn finds the k nearest ref points of every query point within each batch
// element.
func knn(ctx context.Context, query, ref device.Tensor, batch, k int) (*neighbors.Result, error) {
	qr, _ := query.Dims()
	rr, _ := ref.Dims()
	return neighbors.KNN(ctx, hostData(query), qr/batch, hostData(ref), rr/batch, batch, k)
}
