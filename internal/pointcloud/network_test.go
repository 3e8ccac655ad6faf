package pointcloud

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud/model"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Dims = []int{8, 16, 32}
	cfg.NumPoints = 64
	cfg.K = 8
	return cfg
}

func randomInput(t *testing.T, backend device.Backend, batch, n int) model.Cloud {
	t.Helper()
	rng := rand.New(rand.NewSource(99))
	xyz := make([]float32, batch*n*3)
	for i := range xyz {
		xyz[i] = rng.Float32()
	}
	// Coordinates double as input features.
	c, err := model.NewCloud(backend, batch, n, xyz, 3, xyz)
	require.NoError(t, err)
	return c
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int{1000, 250, 62, 15, 3}, cfg.levelPoints())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no levels", func(c *Config) { c.Dims = nil }},
		{"zero dim", func(c *Config) { c.Dims = []int{8, 0} }},
		{"zero k", func(c *Config) { c.K = 0 }},
		{"zero ratio", func(c *Config) { c.Ratio = 0 }},
		{"zero in dim", func(c *Config) { c.InDim = 0 }},
		{"too deep", func(c *Config) { c.Dims = []int{8, 8, 8, 8, 8} }},
		{"too few to interpolate", func(c *Config) { c.NumPoints = 32 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := NewNetwork(cfg, device.NewCPUBackend())
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNetworkForward(t *testing.T) {
	backend := device.NewCPUBackend()
	net, err := NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	require.Len(t, net.Encoder, 3)
	require.Len(t, net.Decoder, 2)

	in := randomInput(t, backend, 2, 64)
	before := testutil.ToFloat64(pointsProcessed)

	out, err := net.Forward(context.Background(), in)
	require.NoError(t, err)

	r, c := out.Feat.Dims()
	assert.Equal(t, 128, r)
	assert.Equal(t, 8, c)
	assert.Equal(t, in.XYZ.ToHost(), out.XYZ.ToHost())
	assert.Equal(t, before+128, testutil.ToFloat64(pointsProcessed))
}

func TestNetworkForward_Deterministic(t *testing.T) {
	backend := device.NewCPUBackend()
	a, err := NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	b, err := NewNetwork(smallConfig(), backend)
	require.NoError(t, err)

	in := randomInput(t, backend, 1, 64)
	outA, err := a.Forward(context.Background(), in)
	require.NoError(t, err)
	outB, err := b.Forward(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, outA.Feat.ToHost(), outB.Feat.ToHost())
}

func TestNetworkForward_Errors(t *testing.T) {
	backend := device.NewCPUBackend()
	net, err := NewNetwork(smallConfig(), backend)
	require.NoError(t, err)

	_, err = net.Forward(context.Background(), randomInput(t, backend, 1, 32))
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = net.Forward(ctx, randomInput(t, backend, 1, 64))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNetworkRunningStats(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := smallConfig()
	cfg.UseRunningStats = true
	net, err := NewNetwork(cfg, backend)
	require.NoError(t, err)

	norms := net.batchNorms()
	require.Len(t, norms, 3+2*2)
	for _, bn := range norms {
		assert.True(t, bn.UseRunningStats)
	}

	_, err = net.Forward(context.Background(), randomInput(t, backend, 1, 64))
	require.NoError(t, err)

	net.SetUseRunningStats(false)
	for _, bn := range norms {
		assert.False(t, bn.UseRunningStats)
		assert.Equal(t, []float32{0}, bn.RunningMean.ToHost()[:1])
	}
}

func TestNetworkParameters(t *testing.T) {
	net, err := NewNetwork(smallConfig(), device.NewCPUBackend())
	require.NoError(t, err)

	params := net.Parameters()
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		assert.False(t, seen[p.Name], "duplicate parameter %s", p.Name)
		seen[p.Name] = true
	}
	assert.True(t, seen["encoder.0.down.linear.weight"])
	assert.True(t, seen["encoder.2.down.batch_norm.running_var"])
	assert.True(t, seen["encoder.1.block.point_transformer_layer.phi.weight"])
	assert.True(t, seen["decoder.0.up.linear_1b.bias"])
	assert.True(t, seen["decoder.1.block.linear_2.weight"])
}

func TestNetworkBackward(t *testing.T) {
	backend := device.NewCPUBackend()
	net, err := NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	in := randomInput(t, backend, 2, 64)

	plain, err := net.Forward(context.Background(), in)
	require.NoError(t, err)

	before := testutil.ToFloat64(pointsProcessed)
	out, tape, err := net.ForwardTape(context.Background(), in)
	require.NoError(t, err)
	defer tape.Release()
	assert.Equal(t, before+128, testutil.ToFloat64(pointsProcessed))
	assert.InDeltaSlice(t, plain.Feat.ToHost(), out.Feat.ToHost(), 1e-6)

	rng := rand.New(rand.NewSource(7))
	r, c := out.Feat.Dims()
	grad := make([]float32, r*c)
	for i := range grad {
		grad[i] = rng.Float32()*2 - 1
	}
	dOut := backend.NewTensor(r, c, grad)

	params := net.Parameters()
	model.ZeroGrad(params)
	dIn, err := net.Backward(tape, dOut)
	require.NoError(t, err)
	assert.Equal(t, grad, dOut.ToHost())

	rows, cols := dIn.Dims()
	assert.Equal(t, 128, rows)
	assert.Equal(t, 3, cols)

	reached := 0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for _, v := range p.Grad.ToHost() {
			if v != 0 {
				reached++
				break
			}
		}
	}
	// Biases feeding a batch norm get no gradient.
	assert.Greater(t, reached, len(params)/2)
	assert.NotZero(t, paramGrad(t, params, "encoder.0.down.linear.weight"))
	assert.NotZero(t, paramGrad(t, params, "decoder.1.block.point_transformer_layer.alpha.weight"))
}

func TestNetworkBackward_TapeMismatch(t *testing.T) {
	backend := device.NewCPUBackend()
	net, err := NewNetwork(smallConfig(), backend)
	require.NoError(t, err)

	_, err = net.Backward(nil, backend.NewTensor(128, 8, nil))
	assert.ErrorIs(t, err, model.ErrTape)

	_, tape, err := net.ForwardTape(context.Background(), randomInput(t, backend, 2, 64))
	require.NoError(t, err)
	_, err = net.Backward(tape, backend.NewTensor(128, 4, nil))
	assert.ErrorIs(t, err, model.ErrTape)
}

// paramGrad returns the sum of absolute gradient values of the named
// parameter.
func paramGrad(t *testing.T, params []model.Parameter, name string) float64 {
	t.Helper()
	for _, p := range params {
		if p.Name != name {
			continue
		}
		require.NotNil(t, p.Grad, name)
		var sum float64
		for _, v := range p.Grad.ToHost() {
			sum += math.Abs(float64(v))
		}
		return sum
	}
	t.Fatalf("no parameter %s", name)
	return 0
}
