package model

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/neighbors"
)

const (
	// DefaultInterpolationK is the number of source points blended per target.
	DefaultInterpolationK = 3
	// InterpolationEps keeps inverse-distance weights finite at zero distance.
	InterpolationEps = 1e-8
)

// TransitionDown samples NPoints points by farthest-point sampling and pools
// the features of each sample's K nearest input points:
// Linear → BatchNorm → ReLU → max over K.
type TransitionDown struct {
	Backend device.Backend
	NPoints int
	InDim   int
	OutDim  int
	K       int
	Linear  *Linear
	Norm    *BatchNorm
}

func NewTransitionDown(npoints, inDim, outDim, k int, backend device.Backend, rng *rand.Rand) *TransitionDown {
	rng = rngOrDefault(rng)
	if k <= 0 {
		k = DefaultK
	}
	return &TransitionDown{
		Backend: backend,
		NPoints: npoints,
		InDim:   inDim,
		OutDim:  outDim,
		K:       k,
		Linear:  NewLinear(inDim, outDim, backend, rng),
		Norm:    NewBatchNorm(outDim, backend),
	}
}

func (d *TransitionDown) Kind() StageKind { return KindTransitionDown }

func (d *TransitionDown) Forward(ctx context.Context, in Cloud) (Cloud, error) {
	out, tp, err := d.forward(ctx, in, false)
	if err != nil {
		return Cloud{}, err
	}
	d.Backend.PutTensor(tp.nFeat)
	d.Backend.PutTensor(tp.unit.out)
	return out, nil
}

func (d *TransitionDown) ForwardTape(ctx context.Context, in Cloud) (Cloud, Tape, error) {
	out, tp, err := d.forward(ctx, in, true)
	if err != nil {
		return Cloud{}, nil, err
	}
	return out, tp, nil
}

type transitionDownTape struct {
	backend device.Backend
	in      Cloud
	out     device.Tensor // not owned
	rows    []int         // neighbour rows of in, B*NPoints*K
	nFeat   device.Tensor
	unit    *unitTape
	argmax  []int
}

func (d *TransitionDown) forward(ctx context.Context, in Cloud, record bool) (Cloud, *transitionDownTape, error) {
	if err := in.Validate(); err != nil {
		return Cloud{}, nil, err
	}
	if err := in.expectChannels(d.InDim); err != nil {
		return Cloud{}, nil, err
	}

	n := in.Points()
	xyz := hostData(in.XYZ)
	sample, err := neighbors.FarthestPointSample(ctx, xyz, in.Batch, n, d.NPoints)
	if err != nil {
		return Cloud{}, nil, fmt.Errorf("transition down sampling: %w", err)
	}

	// Neighbourhoods come from the full, pre-sampling point set.
	nb, err := neighbors.KNN(ctx, sample.Coords, d.NPoints, xyz, n, in.Batch, d.K)
	if err != nil {
		return Cloud{}, nil, fmt.Errorf("transition down neighbours: %w", err)
	}

	rows := flatIndex(n, in.Batch, nb.Indices)
	nFeat := in.Feat.Gather(rows)
	unit := forwardUnit(d.Linear, d.Norm, nFeat, record)
	pooled := unit.out.GroupMax(d.K)

	tp := &transitionDownTape{backend: d.Backend, in: in, out: pooled, rows: rows, nFeat: nFeat, unit: unit}
	if record {
		tp.argmax = unit.out.GroupArgMax(d.K)
	}
	return Cloud{
		Batch: in.Batch,
		XYZ:   IndexPoints(in.XYZ, in.Batch, sample.Indices),
		Feat:  pooled,
	}, tp, nil
}

func (t *transitionDownTape) Release() {
	for _, x := range []device.Tensor{t.nFeat, t.unit.linear, t.unit.out} {
		if x != nil {
			t.backend.PutTensor(x)
		}
	}
	t.nFeat, t.unit.linear, t.unit.out = nil, nil, nil
	t.argmax = nil
}

func (d *TransitionDown) Backward(tape Tape, dOut device.Tensor) (device.Tensor, error) {
	tp, ok := tape.(*transitionDownTape)
	if !ok || tp.argmax == nil {
		return nil, fmt.Errorf("%w: transition down expects its own tape", ErrTape)
	}
	if err := checkGrad(dOut, tp.out); err != nil {
		return nil, err
	}

	// The max over K passes each gradient to the neighbour that won.
	dHidden := d.Backend.GetTensor(tp.unit.out.Dims())
	dHidden.ScatterGroupMax(tp.argmax, dOut)
	dNFeat := backwardUnit(d.Linear, d.Norm, tp.unit, dHidden)
	d.Backend.PutTensor(dHidden)

	dIn := d.Backend.GetTensor(tp.in.Feat.Dims())
	dIn.ScatterAdd(tp.rows, dNFeat)
	d.Backend.PutTensor(dNFeat)
	return dIn, nil
}

func (d *TransitionDown) Parameters() []Parameter {
	return append(
		prefixed("linear", d.Linear.Parameters()),
		prefixed("batch_norm", d.Norm.Parameters())...,
	)
}

// TransitionUp carries sparse features back onto a denser skip cloud from
// the matching encoder level. Both branches are Linear → BatchNorm → ReLU;
// the sparse branch is then interpolated onto the skip coordinates and the
// two are summed.
type TransitionUp struct {
	Backend    device.Backend
	InDim      int
	SkipDim    int
	OutDim     int
	K          int
	Linear     *Linear
	Norm       *BatchNorm
	SkipLinear *Linear
	SkipNorm   *BatchNorm
}

func NewTransitionUp(inDim, skipDim, outDim int, backend device.Backend, rng *rand.Rand) *TransitionUp {
	rng = rngOrDefault(rng)
	return &TransitionUp{
		Backend:    backend,
		InDim:      inDim,
		SkipDim:    skipDim,
		OutDim:     outDim,
		K:          DefaultInterpolationK,
		Linear:     NewLinear(inDim, outDim, backend, rng),
		Norm:       NewBatchNorm(outDim, backend),
		SkipLinear: NewLinear(skipDim, outDim, backend, rng),
		SkipNorm:   NewBatchNorm(outDim, backend),
	}
}

// Fuse returns a cloud on skip's coordinates with OutDim features.
func (u *TransitionUp) Fuse(ctx context.Context, in, skip Cloud) (Cloud, error) {
	out, tp, err := u.fuse(ctx, in, skip, false)
	if err != nil {
		return Cloud{}, err
	}
	tp.Release()
	return out, nil
}

// FuseTape is Fuse that records the pass for Backward.
func (u *TransitionUp) FuseTape(ctx context.Context, in, skip Cloud) (Cloud, Tape, error) {
	out, tp, err := u.fuse(ctx, in, skip, true)
	if err != nil {
		return Cloud{}, nil, err
	}
	return out, tp, nil
}

type transitionUpTape struct {
	backend  device.Backend
	in       Cloud
	skip     Cloud
	out      device.Tensor // not owned
	unit     *unitTape
	skipUnit *unitTape
	interp   *interpolation
}

func (u *TransitionUp) fuse(ctx context.Context, in, skip Cloud, record bool) (Cloud, *transitionUpTape, error) {
	if err := in.Validate(); err != nil {
		return Cloud{}, nil, err
	}
	if err := skip.Validate(); err != nil {
		return Cloud{}, nil, fmt.Errorf("skip: %w", err)
	}
	if in.Batch != skip.Batch {
		return Cloud{}, nil, fmt.Errorf("%w: batch %d vs skip batch %d", ErrShapeMismatch, in.Batch, skip.Batch)
	}
	if err := in.expectChannels(u.InDim); err != nil {
		return Cloud{}, nil, err
	}
	if err := skip.expectChannels(u.SkipDim); err != nil {
		return Cloud{}, nil, fmt.Errorf("skip: %w", err)
	}

	unit := forwardUnit(u.Linear, u.Norm, in.Feat, record)
	ip, err := interpolate(ctx, u.Backend, skip, Cloud{Batch: in.Batch, XYZ: in.XYZ, Feat: unit.out}, u.K)
	if err != nil {
		u.Backend.PutTensor(unit.out)
		if unit.linear != nil {
			u.Backend.PutTensor(unit.linear)
		}
		return Cloud{}, nil, fmt.Errorf("transition up: %w", err)
	}

	skipUnit := forwardUnit(u.SkipLinear, u.SkipNorm, skip.Feat, record)
	ip.feat.Add(skipUnit.out)

	return Cloud{Batch: skip.Batch, XYZ: skip.XYZ, Feat: ip.feat}, &transitionUpTape{
		backend:  u.Backend,
		in:       in,
		skip:     skip,
		out:      ip.feat,
		unit:     unit,
		skipUnit: skipUnit,
		interp:   ip,
	}, nil
}

func (t *transitionUpTape) Release() {
	for _, x := range []device.Tensor{t.unit.linear, t.unit.out, t.skipUnit.linear, t.skipUnit.out} {
		if x != nil {
			t.backend.PutTensor(x)
		}
	}
	t.unit.linear, t.unit.out, t.skipUnit.linear, t.skipUnit.out = nil, nil, nil, nil
}

// Backward returns the gradients of the sparse input features and of the skip
// features. dOut is not modified.
func (u *TransitionUp) Backward(tape Tape, dOut device.Tensor) (dIn, dSkip device.Tensor, err error) {
	tp, ok := tape.(*transitionUpTape)
	if !ok || tp.unit.linear == nil {
		return nil, nil, fmt.Errorf("%w: transition up expects its own tape", ErrTape)
	}
	if err := checkGrad(dOut, tp.out); err != nil {
		return nil, nil, err
	}

	dSkip = backwardUnit(u.SkipLinear, u.SkipNorm, tp.skipUnit, dOut.Clone())

	// Each target row is a weighted sum of k gathered source rows.
	dGathered := dOut.RepeatRows(tp.interp.k)
	dGathered.ScaleRows(tp.interp.weights)
	dHidden := u.Backend.GetTensor(tp.unit.out.Dims())
	dHidden.ScatterAdd(tp.interp.rows, dGathered)
	u.Backend.PutTensor(dGathered)

	dIn = backwardUnit(u.Linear, u.Norm, tp.unit, dHidden)
	u.Backend.PutTensor(dHidden)
	return dIn, dSkip, nil
}

// Bind fixes the skip cloud, turning the block into a Stage.
func (u *TransitionUp) Bind(skip Cloud) Stage {
	return &boundTransitionUp{up: u, skip: skip}
}

func (u *TransitionUp) Parameters() []Parameter {
	var params []Parameter
	params = append(params, prefixed("linear_1a", u.Linear.Parameters())...)
	params = append(params, prefixed("bn", u.Norm.Parameters())...)
	params = append(params, prefixed("linear_1b", u.SkipLinear.Parameters())...)
	params = append(params, prefixed("bn_skip", u.SkipNorm.Parameters())...)
	return params
}

type boundTransitionUp struct {
	up   *TransitionUp
	skip Cloud
}

func (b *boundTransitionUp) Kind() StageKind { return KindTransitionUp }

func (b *boundTransitionUp) Forward(ctx context.Context, in Cloud) (Cloud, error) {
	return b.up.Fuse(ctx, in, b.skip)
}

func (b *boundTransitionUp) Parameters() []Parameter { return b.up.Parameters() }

// Interpolate estimates features for every point of target from the k
// nearest points of source, weighted by inverse distance. Only target's
// coordinates are read; they are returned unchanged alongside
// (B*N_target) x C_source features.
func Interpolate(ctx context.Context, backend device.Backend, target, source Cloud, k int) (Cloud, error) {
	ip, err := interpolate(ctx, backend, target, source, k)
	if err != nil {
		return Cloud{}, err
	}
	return Cloud{Batch: target.Batch, XYZ: target.XYZ, Feat: ip.feat}, nil
}

// interpolation is the result of interpolate along with the source rows and
// weights that produced it.
type interpolation struct {
	feat    device.Tensor
	k       int
	rows    []int
	weights []float32
}

func interpolate(ctx context.Context, backend device.Backend, target, source Cloud, k int) (*interpolation, error) {
	if err := target.validateXYZ(); err != nil {
		return nil, fmt.Errorf("interpolation target: %w", err)
	}
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("interpolation source: %w", err)
	}
	if target.Batch != source.Batch {
		return nil, fmt.Errorf("%w: batch %d vs %d", ErrShapeMismatch, target.Batch, source.Batch)
	}

	nb, err := knn(ctx, target.XYZ, source.XYZ, target.Batch, k)
	if err != nil {
		return nil, fmt.Errorf("interpolation neighbours: %w", err)
	}

	rows := flatIndex(source.Points(), source.Batch, nb.Indices)
	weights := InverseDistanceWeights(nb.Distances, k)
	gathered := source.Feat.Gather(rows)
	gathered.ScaleRows(weights)
	feat := gathered.GroupSum(k)
	backend.PutTensor(gathered)

	return &interpolation{feat: feat, k: k, rows: rows, weights: weights}, nil
}

// InverseDistanceWeights turns consecutive groups of k distances into weights
// 1/(d+eps), normalised to sum to one within each group.
func InverseDistanceWeights(distances []float32, k int) []float32 {
	w := make([]float32, len(distances))
	for g := 0; g+k <= len(distances); g += k {
		var sum float32
		for i := g; i < g+k; i++ {
			w[i] = 1 / (distances[i] + InterpolationEps)
			sum += w[i]
		}
		for i := g; i < g+k; i++ {
			w[i] /= sum
		}
	}
	return w
}
