package model

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/neighbors"
)

// DefaultK is the neighbourhood size used by blocks unless configured.
const DefaultK = 16

// PositionalEncoding embeds the offset between two points: a 3→D→D MLP with
// a ReLU after the second layer.
type PositionalEncoding struct {
	Backend device.Backend
	Linear1 *Linear
	Linear2 *Linear
}

func NewPositionalEncoding(dim int, backend device.Backend, rng *rand.Rand) *PositionalEncoding {
	rng = rngOrDefault(rng)
	return &PositionalEncoding{
		Backend: backend,
		Linear1: NewLinear(neighbors.Dim, dim, backend, rng),
		Linear2: NewLinear(dim, dim, backend, rng),
	}
}

// Forward embeds pi - pj. Both inputs are M x 3 with matching rows; callers
// expand broadcast operands beforehand.
func (p *PositionalEncoding) Forward(pi, pj device.Tensor) device.Tensor {
	tp := p.forward(pi, pj)
	out := tp.out
	tp.out = nil
	tp.release(p.Backend)
	return out
}

type encodingTape struct {
	diff   device.Tensor
	hidden device.Tensor
	out    device.Tensor
}

func (p *PositionalEncoding) forward(pi, pj device.Tensor) *encodingTape {
	diff := pi.Clone()
	diff.Sub(pj)

	hidden := p.Linear1.Forward(diff)
	out := p.Linear2.ForwardActivation(hidden, device.ActivationReLU)
	return &encodingTape{diff: diff, hidden: hidden, out: out}
}

// backward accumulates parameter gradients for dOut, which it consumes.
// Offsets are constants, so nothing is returned.
func (p *PositionalEncoding) backward(tp *encodingTape, dOut device.Tensor) {
	dOut.ReLUBackward(tp.out)
	dHidden := p.Linear2.Backward(tp.hidden, dOut)
	p.Backend.PutTensor(p.Linear1.Backward(tp.diff, dHidden))
	p.Backend.PutTensor(dHidden)
}

func (t *encodingTape) release(backend device.Backend) {
	for _, x := range []device.Tensor{t.diff, t.hidden, t.out} {
		if x != nil {
			backend.PutTensor(x)
		}
	}
	t.diff, t.hidden, t.out = nil, nil, nil
}

func (p *PositionalEncoding) Parameters() []Parameter {
	return append(
		prefixed("linear_1", p.Linear1.Parameters()),
		prefixed("linear_2", p.Linear2.Parameters())...,
	)
}

// TransformerLayer is vector self-attention over each point's K neighbours.
//
// For query i and neighbour j:
//
//	w_ij = softmax_j( γ( φ(x_i) - ψ(x_j) + δ_ij ) )   (per channel)
//	y_i  = Σ_j w_ij ⊙ ( α(x_j) + δ_ij )
//
// where δ_ij is the positional encoding of p_i - p_j.
type TransformerLayer struct {
	Backend device.Backend
	Dim     int
	Phi     *Linear
	Psi     *Linear
	Alpha   *Linear
	Gamma   *Linear
	Delta   *PositionalEncoding
}

func NewTransformerLayer(dim int, backend device.Backend, rng *rand.Rand) *TransformerLayer {
	rng = rngOrDefault(rng)
	return &TransformerLayer{
		Backend: backend,
		Dim:     dim,
		Gamma:   NewLinear(dim, dim, backend, rng),
		Phi:     NewLinear(dim, dim, backend, rng),
		Psi:     NewLinear(dim, dim, backend, rng),
		Alpha:   NewLinear(dim, dim, backend, rng),
		Delta:   NewPositionalEncoding(dim, backend, rng),
	}
}

// Forward attends from (B*N) query rows over their K neighbour rows.
// xyz is (B*N)x3, feat (B*N)xD, nXYZ (B*N*K)x3 and nFeat (B*N*K)xD.
func (l *TransformerLayer) Forward(xyz, feat, nXYZ, nFeat device.Tensor, k int) device.Tensor {
	out, tp := l.ForwardTape(xyz, feat, nXYZ, nFeat, k)
	tp.Release()
	return out
}

// ForwardWithWeights is Forward that also returns the (B*N*K)xD attention
// weights, which sum to one over each query's K rows in every channel.
func (l *TransformerLayer) ForwardWithWeights(xyz, feat, nXYZ, nFeat device.Tensor, k int) (out, weights device.Tensor) {
	out, tp := l.ForwardTape(xyz, feat, nXYZ, nFeat, k)
	weights = tp.weights
	tp.weights = nil
	tp.Release()
	return out, weights
}

// LayerTape records a TransformerLayer forward pass. feat and nFeat are
// referenced, not copied, and must stay unchanged until Backward.
type LayerTape struct {
	backend device.Backend
	k       int
	feat    device.Tensor
	nFeat   device.Tensor
	delta   *encodingTape
	beta    device.Tensor // γ input
	weights device.Tensor
	value   device.Tensor // α(nFeat) + δ
}

// ForwardTape is Forward that keeps the intermediates Backward needs.
func (l *TransformerLayer) ForwardTape(xyz, feat, nXYZ, nFeat device.Tensor, k int) (device.Tensor, *LayerTape) {
	centers := xyz.RepeatRows(k)
	delta := l.Delta.forward(centers, nXYZ)
	l.Backend.PutTensor(centers)

	phi := l.Phi.Forward(feat)
	beta := phi.RepeatRows(k)
	l.Backend.PutTensor(phi)

	psi := l.Psi.Forward(nFeat)
	beta.Sub(psi)
	beta.Add(delta.out)
	l.Backend.PutTensor(psi)

	weights := l.Gamma.Forward(beta)
	weights.GroupSoftmax(k)

	value := l.Alpha.Forward(nFeat)
	value.Add(delta.out)

	weighted := value.Clone()
	weighted.MulElem(weights)
	out := weighted.GroupSum(k)
	l.Backend.PutTensor(weighted)

	return out, &LayerTape{
		backend: l.Backend,
		k:       k,
		feat:    feat,
		nFeat:   nFeat,
		delta:   delta,
		beta:    beta,
		weights: weights,
		value:   value,
	}
}

func (t *LayerTape) Release() {
	if t.delta != nil {
		t.delta.release(t.backend)
		t.delta = nil
	}
	for _, x := range []device.Tensor{t.beta, t.weights, t.value} {
		if x != nil {
			t.backend.PutTensor(x)
		}
	}
	t.beta, t.weights, t.value = nil, nil, nil
}

// Backward takes the (B*N)xD gradient of the layer output, accumulates
// parameter gradients and returns the gradients of feat and nFeat as pooled
// tensors. dOut is not modified.
func (l *TransformerLayer) Backward(tp *LayerTape, dOut device.Tensor) (dFeat, dNFeat device.Tensor) {
	k := tp.k

	// out = Σ_k w ⊙ v
	dv := dOut.RepeatRows(k)
	dw := dv.Clone()
	dv.MulElem(tp.weights)
	dw.MulElem(tp.value)

	// Per-group softmax: dz = w ⊙ (dw - Σ_k w ⊙ dw).
	wdw := dw.Clone()
	wdw.MulElem(tp.weights)
	colSum := wdw.GroupSum(k)
	l.Backend.PutTensor(wdw)
	spread := colSum.RepeatRows(k)
	l.Backend.PutTensor(colSum)
	dw.Sub(spread)
	l.Backend.PutTensor(spread)
	dw.MulElem(tp.weights)

	dBeta := l.Gamma.Backward(tp.beta, dw)
	l.Backend.PutTensor(dw)

	// β = rep(φ(feat)) - ψ(nFeat) + δ
	dPhi := dBeta.GroupSum(k)
	dFeat = l.Phi.Backward(tp.feat, dPhi)
	l.Backend.PutTensor(dPhi)

	negBeta := l.Backend.GetTensor(dBeta.Dims())
	negBeta.Sub(dBeta)
	dNFeat = l.Psi.Backward(tp.nFeat, negBeta)
	l.Backend.PutTensor(negBeta)

	dAlpha := l.Alpha.Backward(tp.nFeat, dv)
	dNFeat.Add(dAlpha)
	l.Backend.PutTensor(dAlpha)

	// δ feeds both β and v.
	dBeta.Add(dv)
	l.Delta.backward(tp.delta, dBeta)
	l.Backend.PutTensor(dBeta)
	l.Backend.PutTensor(dv)

	return dFeat, dNFeat
}

func (l *TransformerLayer) Parameters() []Parameter {
	var params []Parameter
	params = append(params, prefixed("gamma", l.Gamma.Parameters())...)
	params = append(params, prefixed("phi", l.Phi.Parameters())...)
	params = append(params, prefixed("psi", l.Psi.Parameters())...)
	params = append(params, prefixed("alpha", l.Alpha.Parameters())...)
	params = append(params, prefixed("delta", l.Delta.Parameters())...)
	return params
}

// TransformerBlock wraps a TransformerLayer in input/output projections and
// a residual connection. Neighbourhoods are the K nearest points of the
// block's own input, the query point included.
type TransformerBlock struct {
	Backend device.Backend
	InDim   int
	OutDim  int
	K       int
	Linear1 *Linear
	Layer   *TransformerLayer
	Linear2 *Linear
}

func NewTransformerBlock(inDim, outDim, k int, backend device.Backend, rng *rand.Rand) *TransformerBlock {
	rng = rngOrDefault(rng)
	if k <= 0 {
		k = DefaultK
	}
	return &TransformerBlock{
		Backend: backend,
		InDim:   inDim,
		OutDim:  outDim,
		K:       k,
		Linear1: NewLinear(inDim, outDim, backend, rng),
		Layer:   NewTransformerLayer(outDim, backend, rng),
		Linear2: NewLinear(outDim, inDim, backend, rng),
	}
}

func (b *TransformerBlock) Kind() StageKind { return KindTransformer }

// Forward returns a cloud with the same coordinates and a feature tensor of
// the input's shape.
func (b *TransformerBlock) Forward(ctx context.Context, in Cloud) (Cloud, error) {
	out, tp, err := b.forward(ctx, in)
	if err != nil {
		return Cloud{}, err
	}
	tp.Release()
	return out, nil
}

func (b *TransformerBlock) ForwardTape(ctx context.Context, in Cloud) (Cloud, Tape, error) {
	out, tp, err := b.forward(ctx, in)
	if err != nil {
		return Cloud{}, nil, err
	}
	return out, tp, nil
}

type blockTape struct {
	backend  device.Backend
	in       Cloud
	out      device.Tensor // not owned
	rows     []int         // neighbour rows of in
	hidden   device.Tensor
	nXYZ     device.Tensor
	nFeat    device.Tensor
	layer    *LayerTape
	attended device.Tensor
}

func (b *TransformerBlock) forward(ctx context.Context, in Cloud) (Cloud, *blockTape, error) {
	if err := in.Validate(); err != nil {
		return Cloud{}, nil, err
	}
	if err := in.expectChannels(b.InDim); err != nil {
		return Cloud{}, nil, err
	}

	nb, err := knn(ctx, in.XYZ, in.XYZ, in.Batch, b.K)
	if err != nil {
		return Cloud{}, nil, fmt.Errorf("transformer block neighbours: %w", err)
	}
	rows := flatIndex(in.Points(), in.Batch, nb.Indices)
	nXYZ := in.XYZ.Gather(rows)

	hidden := b.Linear1.Forward(in.Feat)
	nFeat := hidden.Gather(rows)

	attended, layer := b.Layer.ForwardTape(in.XYZ, hidden, nXYZ, nFeat, b.K)

	out := b.Linear2.Forward(attended)
	out.Add(in.Feat)

	return Cloud{Batch: in.Batch, XYZ: in.XYZ, Feat: out}, &blockTape{
		backend:  b.Backend,
		in:       in,
		out:      out,
		rows:     rows,
		hidden:   hidden,
		nXYZ:     nXYZ,
		nFeat:    nFeat,
		layer:    layer,
		attended: attended,
	}, nil
}

func (t *blockTape) Release() {
	if t.layer != nil {
		t.layer.Release()
		t.layer = nil
	}
	for _, x := range []device.Tensor{t.hidden, t.nXYZ, t.nFeat, t.attended} {
		if x != nil {
			t.backend.PutTensor(x)
		}
	}
	t.hidden, t.nXYZ, t.nFeat, t.attended = nil, nil, nil, nil
}

func (b *TransformerBlock) Backward(tape Tape, dOut device.Tensor) (device.Tensor, error) {
	tp, ok := tape.(*blockTape)
	if !ok || tp.layer == nil {
		return nil, fmt.Errorf("%w: transformer block expects its own tape", ErrTape)
	}
	if err := checkGrad(dOut, tp.out); err != nil {
		return nil, err
	}

	dAttended := b.Linear2.Backward(tp.attended, dOut)
	dHidden, dNFeat := b.Layer.Backward(tp.layer, dAttended)
	b.Backend.PutTensor(dAttended)

	// Neighbour features are gathered from hidden.
	dHidden.ScatterAdd(tp.rows, dNFeat)
	b.Backend.PutTensor(dNFeat)

	dIn := b.Linear1.Backward(tp.in.Feat, dHidden)
	b.Backend.PutTensor(dHidden)
	dIn.Add(dOut)
	return dIn, nil
}

func (b *TransformerBlock) Parameters() []Parameter {
	var params []Parameter
	params = append(params, prefixed("linear_1", b.Linear1.Parameters())...)
	params = append(params, prefixed("point_transformer_layer", b.Layer.Parameters())...)
	params = append(params, prefixed("linear_2", b.Linear2.Parameters())...)
	return params
}
