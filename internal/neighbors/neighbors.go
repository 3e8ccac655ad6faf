// Package neighbors provides the point-set search primitives used by the
// point transformer blocks: exact k-nearest-neighbour search and
// farthest-point sampling.
//
// Coordinates are flat, batch-major float32 slices: the i-th point of batch
// element b lives at coords[(b*n+i)*3 : (b*n+i)*3+3]. Returned indices are
// local to their batch element, i.e. in [0, n).
package neighbors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-pointformer/internal/simd"
)

// Dim is the dimensionality of point coordinates.
const Dim = 3

// checkEvery is how many query or sample steps run between context checks.
const checkEvery = 64

var (
	// ErrInvalidK is returned when k is not in [1, reference points].
	ErrInvalidK = errors.New("neighbors: invalid k")
	// ErrInvalidSampleSize is returned when npoints is not in [1, points].
	ErrInvalidSampleSize = errors.New("neighbors: invalid sample size")
	// ErrCoordinates is returned when a coordinate slice does not hold batch*n*3 values.
	ErrCoordinates = errors.New("neighbors: coordinate length mismatch")
)

// Result holds the k nearest reference points of every query point.
// Indices and Distances are laid out [Batch, Queries, K] row-major, with
// distances ascending within each query.
type Result struct {
	Batch     int
	Queries   int
	K         int
	Indices   []int
	Distances []float32
}

// Row returns the neighbour indices and distances of query q in batch b.
func (r *Result) Row(b, q int) ([]int, []float32) {
	off := (b*r.Queries + q) * r.K
	return r.Indices[off : off+r.K], r.Distances[off : off+r.K]
}

// KNN finds, for every query point, the k nearest reference points of the same
// batch element by Euclidean distance. A query point present in the
// reference set is returned as its own neighbour at distance 0. The search
// stops early with ctx's error once ctx is done.
func KNN(ctx context.Context, query []float32, nq int, ref []float32, nr int, batch, k int) (*Result, error) {
	if err := checkCoords(query, batch, nq); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if err := checkCoords(ref, batch, nr); err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	if k < 1 || k > nr {
		return nil, fmt.Errorf("%w: k=%d with %d reference points", ErrInvalidK, k, nr)
	}

	res := &Result{
		Batch:     batch,
		Queries:   nq,
		K:         k,
		Indices:   make([]int, batch*nq*k),
		Distances: make([]float32, batch*nq*k),
	}

	err := forEachBatch(ctx, batch, func(ctx context.Context, b int) error {
		refB := ref[b*nr*Dim : (b+1)*nr*Dim]
		h := newTopK(k)
		for q := 0; q < nq; q++ {
			if q%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			off := (b*nq + q) * Dim
			p := query[off : off+Dim]

			h.reset()
			for j := 0; j < nr; j++ {
				h.push(j, simd.SquaredL2(p, refB[j*Dim:(j+1)*Dim]))
			}

			idx, dist := res.Row(b, q)
			h.drain(idx, dist)
			for i, d := range dist {
				dist[i] = float32(math.Sqrt(float64(d)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Sample is the output of farthest-point sampling, laid out [Batch, Count].
type Sample struct {
	Batch   int
	Count   int
	Indices []int
	Coords  []float32
}

// FarthestPointSample greedily selects npoints points per batch element, each
// maximising its minimum distance to the points already selected. Selection
// starts at point 0, so results are deterministic for a given input.
func FarthestPointSample(ctx context.Context, coords []float32, batch, n, npoints int) (*Sample, error) {
	if err := checkCoords(coords, batch, n); err != nil {
		return nil, err
	}
	if npoints < 1 || npoints > n {
		return nil, fmt.Errorf("%w: npoints=%d with %d points", ErrInvalidSampleSize, npoints, n)
	}

	s := &Sample{
		Batch:   batch,
		Count:   npoints,
		Indices: make([]int, batch*npoints),
		Coords:  make([]float32, batch*npoints*Dim),
	}

	err := forEachBatch(ctx, batch, func(ctx context.Context, b int) error {
		pts := coords[b*n*Dim : (b+1)*n*Dim]
		minDist := make([]float32, n)
		for i := range minDist {
			minDist[i] = math.MaxFloat32
		}

		selected := 0
		for i := 0; i < npoints; i++ {
			if i%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			s.Indices[b*npoints+i] = selected
			p := pts[selected*Dim : (selected+1)*Dim]
			copy(s.Coords[(b*npoints+i)*Dim:], p)

			next, best := 0, float32(-1)
			for j := 0; j < n; j++ {
				d := simd.SquaredL2(p, pts[j*Dim:(j+1)*Dim])
				if d < minDist[j] {
					minDist[j] = d
				}
				// Strict comparison keeps the lowest index on ties.
				if minDist[j] > best {
					next, best = j, minDist[j]
				}
			}
			selected = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func checkCoords(coords []float32, batch, n int) error {
	if batch < 1 || n < 0 || len(coords) != batch*n*Dim {
		return fmt.Errorf("%w: have %d values, want %d*%d*%d", ErrCoordinates, len(coords), batch, n, Dim)
	}
	return nil
}

// forEachBatch runs fn for every batch element concurrently. Each call writes
// to a disjoint region of the output, so no further synchronisation is needed.
// The first error cancels the context handed to the remaining calls.
func forEachBatch(ctx context.Context, batch int, fn func(ctx context.Context, b int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for b := 0; b < batch; b++ {
		g.Go(func() error {
			return fn(gctx, b)
		})
	}
	return g.Wait()
}
