package model

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/neighbors"
)

func randomSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func randomCloud(t *testing.T, backend device.Backend, rng *rand.Rand, batch, n, channels int) Cloud {
	t.Helper()
	c, err := NewCloud(backend, batch, n, randomSlice(rng, batch*n*neighbors.Dim), channels, randomSlice(rng, batch*n*channels))
	require.NoError(t, err)
	return c
}

func zero(t device.Tensor) {
	r, c := t.Dims()
	t.CopyFromFloat32(make([]float32, r*c))
}

func TestNewCloud(t *testing.T) {
	backend := device.NewCPUBackend()

	c, err := NewCloud(backend, 2, 4, make([]float32, 24), 5, make([]float32, 40))
	require.NoError(t, err)
	assert.Equal(t, 4, c.Points())
	assert.Equal(t, 5, c.Channels())
	require.NoError(t, c.Validate())

	_, err = NewCloud(backend, 2, 4, make([]float32, 23), 5, make([]float32, 40))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewCloud(backend, 2, 4, make([]float32, 24), 5, make([]float32, 41))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	bad := Cloud{Batch: 2, XYZ: c.XYZ, Feat: backend.NewTensor(7, 5, nil)}
	assert.ErrorIs(t, bad.Validate(), ErrShapeMismatch)
}

func TestIndexPoints(t *testing.T) {
	backend := device.NewCPUBackend()
	// Two batch elements of three points; each row holds its global row index.
	points := backend.NewTensor(6, 2, []float32{
		0, 0,
		1, 1,
		2, 2,
		3, 3,
		4, 4,
		5, 5,
	})

	out := IndexPoints(points, 2, []int{2, 0, 1, 1})
	r, c := out.Dims()
	require.Equal(t, 4, r)
	require.Equal(t, 2, c)
	assert.Equal(t, []float32{2, 2, 0, 0, 4, 4, 4, 4}, out.ToHost())
}

func TestIndexPoints_Identity(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(3))
	points := backend.NewTensor(10, 3, randomSlice(rng, 30))

	out := IndexPoints(points, 2, []int{0, 1, 2, 3, 4, 0, 1, 2, 3, 4})
	assert.Equal(t, points.ToHost(), out.ToHost())
}

func TestInverseDistanceWeights(t *testing.T) {
	w := InverseDistanceWeights([]float32{1, 1, 1, 0.5, 1, 2}, 3)

	assert.InDeltaSlice(t, []float32{1.0 / 3, 1.0 / 3, 1.0 / 3}, w[:3], 1e-6)
	// 2 : 1 : 0.5 normalised.
	assert.InDeltaSlice(t, []float32{4.0 / 7, 2.0 / 7, 1.0 / 7}, w[3:], 1e-6)

	zeroDist := InverseDistanceWeights([]float32{0, 1, 2}, 3)
	assert.InDelta(t, 1.0, zeroDist[0], 1e-6)
}

func TestTransformerLayer_WeightsSumToOne(t *testing.T) {
	const (
		batch = 2
		n     = 8
		k     = 3
		dim   = 4
	)
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(7))
	layer := NewTransformerLayer(dim, backend, rng)

	xyz := backend.NewTensor(batch*n, 3, randomSlice(rng, batch*n*3))
	feat := backend.NewTensor(batch*n, dim, randomSlice(rng, batch*n*dim))
	nXYZ := backend.NewTensor(batch*n*k, 3, randomSlice(rng, batch*n*k*3))
	nFeat := backend.NewTensor(batch*n*k, dim, randomSlice(rng, batch*n*k*dim))

	out, weights := layer.ForwardWithWeights(xyz, feat, nXYZ, nFeat, k)

	r, c := out.Dims()
	assert.Equal(t, batch*n, r)
	assert.Equal(t, dim, c)

	r, c = weights.Dims()
	require.Equal(t, batch*n*k, r)
	require.Equal(t, dim, c)

	for q := 0; q < batch*n; q++ {
		for ch := 0; ch < dim; ch++ {
			var sum float32
			for j := 0; j < k; j++ {
				w := weights.At(q*k+j, ch)
				assert.GreaterOrEqual(t, w, float32(0))
				sum += w
			}
			assert.InDelta(t, 1.0, sum, 1e-5, "query %d channel %d", q, ch)
		}
	}
}

func TestTransformerLayer_ConstantNeighbours(t *testing.T) {
	const (
		batch = 2
		n     = 8
		k     = 3
		dim   = 4
	)
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(11))
	layer := NewTransformerLayer(dim, backend, rng)

	// δ = ReLU(0) = 0 and α is the identity.
	zero(layer.Delta.Linear2.Weight)
	zero(layer.Delta.Linear2.Bias)
	zero(layer.Alpha.Bias)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			v := float32(0)
			if i == j {
				v = 1
			}
			layer.Alpha.Weight.Set(i, j, v)
		}
	}

	v := []float32{0.5, -1, 2, 0.25}
	neighbourFeat := make([]float32, 0, batch*n*k*dim)
	for i := 0; i < batch*n*k; i++ {
		neighbourFeat = append(neighbourFeat, v...)
	}

	xyz := backend.NewTensor(batch*n, 3, randomSlice(rng, batch*n*3))
	feat := backend.NewTensor(batch*n, dim, randomSlice(rng, batch*n*dim))
	nXYZ := backend.NewTensor(batch*n*k, 3, randomSlice(rng, batch*n*k*3))
	nFeat := backend.NewTensor(batch*n*k, dim, neighbourFeat)

	out := layer.Forward(xyz, feat, nXYZ, nFeat, k)
	for q := 0; q < batch*n; q++ {
		for ch := 0; ch < dim; ch++ {
			assert.InDelta(t, v[ch], out.At(q, ch), 1e-5)
		}
	}
}

func TestTransformerBlock_PreservesShape(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(5))
	in := randomCloud(t, backend, rng, 2, 32, 6)

	block := NewTransformerBlock(6, 8, 16, backend, rng)
	assert.Equal(t, KindTransformer, block.Kind())

	out, err := block.Forward(context.Background(), in)
	require.NoError(t, err)

	r, c := out.Feat.Dims()
	assert.Equal(t, 64, r)
	assert.Equal(t, 6, c)
	assert.Same(t, in.XYZ, out.XYZ)
	assert.Equal(t, 2, out.Batch)
}

func TestTransformerBlock_ZeroOutputIsResidual(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(9))
	in := randomCloud(t, backend, rng, 1, 16, 4)

	block := NewTransformerBlock(4, 8, 4, backend, rng)
	zero(block.Linear2.Weight)
	zero(block.Linear2.Bias)

	out, err := block.Forward(context.Background(), in)
	require.NoError(t, err)
	assert.InDeltaSlice(t, in.Feat.ToHost(), out.Feat.ToHost(), 1e-6)
}

func TestTransformerBlock_Errors(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(5))

	block := NewTransformerBlock(6, 8, 16, backend, rng)
	_, err := block.Forward(context.Background(), randomCloud(t, backend, rng, 2, 32, 5))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// Fewer points than K.
	_, err = block.Forward(context.Background(), randomCloud(t, backend, rng, 2, 8, 6))
	assert.ErrorIs(t, err, neighbors.ErrInvalidK)

	_, err = block.Forward(context.Background(), Cloud{})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTransitionDown(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(13))
	in := randomCloud(t, backend, rng, 2, 64, 3)

	down := NewTransitionDown(16, 3, 8, 16, backend, rng)
	assert.Equal(t, KindTransitionDown, down.Kind())

	out, err := down.Forward(context.Background(), in)
	require.NoError(t, err)

	r, c := out.XYZ.Dims()
	assert.Equal(t, 32, r)
	assert.Equal(t, 3, c)
	r, c = out.Feat.Dims()
	assert.Equal(t, 32, r)
	assert.Equal(t, 8, c)

	for _, v := range out.Feat.ToHost() {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	// The first sample of every batch element is its first point.
	for b := 0; b < 2; b++ {
		for j := 0; j < 3; j++ {
			assert.Equal(t, in.XYZ.At(b*64, j), out.XYZ.At(b*16, j))
		}
	}
}

func TestTransitionDown_Errors(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(13))

	down := NewTransitionDown(16, 3, 8, 16, backend, rng)
	_, err := down.Forward(context.Background(), randomCloud(t, backend, rng, 1, 8, 3))
	assert.ErrorIs(t, err, neighbors.ErrInvalidSampleSize)

	_, err = down.Forward(context.Background(), randomCloud(t, backend, rng, 1, 64, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTransitionRoundTrip(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(17))
	skip := randomCloud(t, backend, rng, 2, 64, 3)

	down := NewTransitionDown(16, 3, 8, 16, backend, rng)
	sparse, err := down.Forward(context.Background(), skip)
	require.NoError(t, err)

	up := NewTransitionUp(8, 3, 4, backend, rng)
	stage := up.Bind(skip)
	assert.Equal(t, KindTransitionUp, stage.Kind())

	out, err := stage.Forward(context.Background(), sparse)
	require.NoError(t, err)

	r, c := out.Feat.Dims()
	assert.Equal(t, 128, r)
	assert.Equal(t, 4, c)
	assert.Same(t, skip.XYZ, out.XYZ)
	assert.Len(t, stage.Parameters(), len(up.Parameters()))
}

func TestTransitionUp_Errors(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(17))
	up := NewTransitionUp(8, 3, 4, backend, rng)

	skip := randomCloud(t, backend, rng, 2, 64, 3)
	_, err := up.Fuse(context.Background(), randomCloud(t, backend, rng, 2, 16, 7), skip)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = up.Fuse(context.Background(), randomCloud(t, backend, rng, 1, 16, 8), skip)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = up.Fuse(context.Background(), randomCloud(t, backend, rng, 2, 16, 8), randomCloud(t, backend, rng, 2, 64, 5))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// Too few sparse points to interpolate from.
	_, err = up.Fuse(context.Background(), randomCloud(t, backend, rng, 2, 2, 8), skip)
	assert.ErrorIs(t, err, neighbors.ErrInvalidK)
}

func TestInterpolate_Idempotent(t *testing.T) {
	backend := device.NewCPUBackend()
	// A 2x2x2 grid of unit spacing.
	var xyz []float32
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				xyz = append(xyz, float32(x), float32(y), float32(z))
			}
		}
	}
	rng := rand.New(rand.NewSource(19))
	src, err := NewCloud(backend, 1, 8, xyz, 5, randomSlice(rng, 40))
	require.NoError(t, err)

	out, err := Interpolate(context.Background(), backend, src, src, DefaultInterpolationK)
	require.NoError(t, err)
	assert.InDeltaSlice(t, src.Feat.ToHost(), out.Feat.ToHost(), 1e-5)
}

func TestInterpolate_Midpoint(t *testing.T) {
	backend := device.NewCPUBackend()
	source, err := NewCloud(backend, 1, 2,
		[]float32{0, 0, 0, 2, 0, 0}, 1,
		[]float32{1, 3})
	require.NoError(t, err)

	target := Cloud{Batch: 1, XYZ: backend.NewTensor(1, 3, []float32{1, 0, 0})}
	out, err := Interpolate(context.Background(), backend, target, source, 2)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out.Feat.At(0, 0), 1e-6)
	assert.Same(t, target.XYZ, out.XYZ)
}

// countingBackend records how many tensors are handed back to the pool.
type countingBackend struct {
	*device.CPUBackend
	puts int
}

func (b *countingBackend) PutTensor(t device.Tensor) {
	b.puts++
	b.CPUBackend.PutTensor(t)
}

func TestInterpolate_ReturnsScratchToPool(t *testing.T) {
	backend := &countingBackend{CPUBackend: device.NewCPUBackend()}
	rng := rand.New(rand.NewSource(29))
	src := randomCloud(t, backend, rng, 2, 8, 4)
	target := randomCloud(t, backend, rng, 2, 12, 1)

	out, err := Interpolate(context.Background(), backend, target, src, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.puts)

	r, c := out.Feat.Dims()
	assert.Equal(t, 24, r)
	assert.Equal(t, 4, c)
}

func TestStages_Cancelled(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(31))
	in := randomCloud(t, backend, rng, 2, 32, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTransformerBlock(3, 8, 4, backend, rng).Forward(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewTransitionDown(8, 3, 8, 4, backend, rng).Forward(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewProjection(3, 8, backend, rng).Forward(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewTransitionUp(3, 3, 4, backend, rng).Fuse(ctx, in, in)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProjection(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(23))
	in := randomCloud(t, backend, rng, 2, 10, 3)

	proj := NewProjection(3, 8, backend, rng)
	out, err := proj.Forward(context.Background(), in)
	require.NoError(t, err)

	r, c := out.Feat.Dims()
	assert.Equal(t, 20, r)
	assert.Equal(t, 8, c)
	for _, v := range out.Feat.ToHost() {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	_, err = proj.Forward(context.Background(), randomCloud(t, backend, rng, 2, 10, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBatchNorm_RunningStatsUntouched(t *testing.T) {
	backend := device.NewCPUBackend()
	bn := NewBatchNorm(2, backend)
	bn.RunningMean.CopyFromFloat32([]float32{1, -1})
	bn.RunningVar.CopyFromFloat32([]float32{4, 4})

	x := backend.NewTensor(2, 2, []float32{1, 3, 5, 7})
	bn.Forward(x.Clone())
	assert.Equal(t, []float32{1, -1}, bn.RunningMean.ToHost())
	assert.Equal(t, []float32{4, 4}, bn.RunningVar.ToHost())

	bn.UseRunningStats = true
	bn.Forward(x)
	assert.InDeltaSlice(t, []float32{0, 2, 2, 4}, x.ToHost(), 1e-4)
}

func TestParameterNames(t *testing.T) {
	backend := device.NewCPUBackend()
	block := NewTransformerBlock(4, 8, 16, backend, nil)

	names := make(map[string]bool)
	for _, p := range block.Parameters() {
		names[p.Name] = true
	}
	for _, want := range []string{
		"linear_1.weight",
		"linear_2.bias",
		"point_transformer_layer.phi.weight",
		"point_transformer_layer.gamma.bias",
		"point_transformer_layer.delta.linear_2.weight",
	} {
		assert.True(t, names[want], want)
	}
	assert.Len(t, block.Parameters(), 2+2*4+4+2)

	up := NewTransitionUp(8, 4, 4, backend, nil)
	assert.Equal(t, "bn_skip.running_var", up.Parameters()[len(up.Parameters())-1].Name)
}

func TestNewLinear_Deterministic(t *testing.T) {
	backend := device.NewCPUBackend()
	a := NewLinear(3, 4, backend, nil)
	b := NewLinear(3, 4, backend, nil)
	assert.Equal(t, a.Weight.ToHost(), b.Weight.ToHost())
	assert.Equal(t, a.Bias.ToHost(), b.Bias.ToHost())
}

func TestStageKindString(t *testing.T) {
	assert.Equal(t, "projection", KindProjection.String())
	assert.Equal(t, "transformer", KindTransformer.String())
	assert.Equal(t, "transition_down", KindTransitionDown.String())
	assert.Equal(t, "transition_up", KindTransitionUp.String())
	assert.Equal(t, "unknown", StageKind(42).String())
}
