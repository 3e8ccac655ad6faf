package model

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-pointformer/internal/device"
)

// DefaultSeed seeds parameter initialisation when no generator is supplied.
const DefaultSeed = 42

// Parameter is a named learned tensor. Names are dotted paths such as
// "layer.phi.weight". Grad accumulates the loss gradient of Tensor across
// backward passes; it is nil for running statistics.
type Parameter struct {
	Name   string
	Tensor device.Tensor
	Grad   device.Tensor
}

// ZeroGrad clears the accumulated gradients of params.
func ZeroGrad(params []Parameter) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		r, c := p.Grad.Dims()
		p.Grad.CopyFromFloat32(make([]float32, r*c))
	}
}

func prefixed(prefix string, params []Parameter) []Parameter {
	for i := range params {
		params[i].Name = prefix + "." + params[i].Name
	}
	return params
}

func rngOrDefault(rng *rand.Rand) *rand.Rand {
	if rng == nil {
		return rand.New(rand.NewSource(DefaultSeed))
	}
	return rng
}

// Linear is a fully connected layer y = xW + b with W stored in x out.
type Linear struct {
	Backend    device.Backend
	Weight     device.Tensor
	Bias       device.Tensor
	WeightGrad device.Tensor
	BiasGrad   device.Tensor
}

// NewLinear creates a Linear layer with Xavier-uniform weights and biases
// drawn from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, backend device.Backend, rng *rand.Rand) *Linear {
	rng = rngOrDefault(rng)
	l := &Linear{
		Backend:    backend,
		Weight:     backend.NewTensor(in, out, nil),
		Bias:       backend.NewTensor(1, out, nil),
		WeightGrad: backend.NewTensor(in, out, nil),
		BiasGrad:   backend.NewTensor(1, out, nil),
	}
	xavierInit(l.Weight, rng)
	uniformInit(l.Bias, 1/math.Sqrt(float64(in)), rng)
	return l
}

// Forward returns a pooled tensor holding xW + b.
func (l *Linear) Forward(x device.Tensor) device.Tensor {
	return x.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) ForwardActivation(x device.Tensor, activation device.ActivationType) device.Tensor {
	return x.LinearActivation(x, l.Weight, l.Bias, activation)
}

// Backward accumulates dL/dW = xᵀdy and dL/db = Σ dy for the input x of a
// Forward call and the gradient dy of its output. It returns dL/dx = dy·Wᵀ
// as a pooled tensor. Activations are the caller's to undo first.
func (l *Linear) Backward(x, dy device.Tensor) device.Tensor {
	in, out := l.Weight.Dims()
	rows, _ := dy.Dims()
	if l.WeightGrad == nil {
		l.WeightGrad = l.Backend.NewTensor(in, out, nil)
		l.BiasGrad = l.Backend.NewTensor(1, out, nil)
	}

	dx := l.Backend.GetTensor(rows, in)
	if rows == 0 {
		return dx
	}

	dW := l.Backend.GetTensor(in, out)
	dW.MulTransA(x, dy)
	l.WeightGrad.Add(dW)
	l.Backend.PutTensor(dW)

	db := dy.GroupSum(rows)
	l.BiasGrad.Add(db)

	dx.MulTransB(dy, l.Weight)
	return dx
}

func (l *Linear) Parameters() []Parameter {
	return []Parameter{
		{Name: "weight", Tensor: l.Weight, Grad: l.WeightGrad},
		{Name: "bias", Tensor: l.Bias, Grad: l.BiasGrad},
	}
}

// BatchNorm normalises every channel over all rows of its input.
//
// With UseRunningStats unset the statistics of the current batch are used;
// otherwise the stored running statistics are applied. Forward never writes
// the running statistics: they are parameters owned by whoever trains the
// model.
type BatchNorm struct {
	Gamma           device.Tensor
	Beta            device.Tensor
	RunningMean     device.Tensor
	RunningVar      device.Tensor
	GammaGrad       device.Tensor
	BetaGrad        device.Tensor
	Eps             float32
	UseRunningStats bool
}

func NewBatchNorm(size int, backend device.Backend) *BatchNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &BatchNorm{
		Gamma:       backend.NewTensor(1, size, ones),
		Beta:        backend.NewTensor(1, size, nil),
		RunningMean: backend.NewTensor(1, size, nil),
		RunningVar:  backend.NewTensor(1, size, ones),
		GammaGrad:   backend.NewTensor(1, size, nil),
		BetaGrad:    backend.NewTensor(1, size, nil),
		Eps:         1e-5,
	}
}

// Forward normalises input in-place and returns it.
func (n *BatchNorm) Forward(input device.Tensor) device.Tensor {
	if n.UseRunningStats {
		input.Normalize(n.Gamma, n.Beta, n.RunningMean, n.RunningVar, n.Eps)
	} else {
		input.BatchNorm(n.Gamma, n.Beta, n.Eps)
	}
	return input
}

// Backward turns dy, the gradient of Forward's output, into the gradient of
// its input in place and accumulates the gamma and beta gradients. input is
// what Forward was given, before it was normalised. Batch statistics are
// differentiated through; running statistics are constants.
func (n *BatchNorm) Backward(input, dy device.Tensor) device.Tensor {
	var mean, variance device.Tensor
	if n.UseRunningStats {
		mean, variance = n.RunningMean, n.RunningVar
	}
	dGamma, dBeta := dy.BatchNormBackward(input, n.Gamma, mean, variance, n.Eps)
	if n.GammaGrad == nil {
		n.GammaGrad, n.BetaGrad = dGamma, dBeta
		return dy
	}
	n.GammaGrad.Add(dGamma)
	n.BetaGrad.Add(dBeta)
	return dy
}

func (n *BatchNorm) Parameters() []Parameter {
	return []Parameter{
		{Name: "weight", Tensor: n.Gamma, Grad: n.GammaGrad},
		{Name: "bias", Tensor: n.Beta, Grad: n.BetaGrad},
		{Name: "running_mean", Tensor: n.RunningMean},
		{Name: "running_var", Tensor: n.RunningVar},
	}
}

// unitTape records a Linear → BatchNorm → ReLU pass.
type unitTape struct {
	input  device.Tensor // not owned
	linear device.Tensor // Linear output before normalisation
	out    device.Tensor
}

// forwardUnit runs Linear → BatchNorm → ReLU on x. The pre-normalisation
// copy backwardUnit needs is only kept when record is set.
func forwardUnit(lin *Linear, norm *BatchNorm, x device.Tensor, record bool) *unitTape {
	h := lin.Forward(x)
	tp := &unitTape{input: x}
	if record {
		tp.linear = h.Clone()
	}
	norm.Forward(h)
	h.ReLU()
	tp.out = h
	return tp
}

// backwardUnit consumes dOut and returns the gradient of the unit's input.
func backwardUnit(lin *Linear, norm *BatchNorm, tp *unitTape, dOut device.Tensor) device.Tensor {
	dOut.ReLUBackward(tp.out)
	norm.Backward(tp.linear, dOut)
	return lin.Backward(tp.input, dOut)
}

// xavierInit initializes a matrix with Xavier/Glorot uniform initialization.
func xavierInit(m device.Tensor, rng *rand.Rand) {
	r, c := m.Dims()
	uniformInit(m, math.Sqrt(6.0/float64(r+c)), rng)
}

func uniformInit(m device.Tensor, limit float64, rng *rand.Rand) {
	r, c := m.Dims()
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	m.CopyFromFloat32(data)
}
