package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-pointformer/internal/device"
)

// StageKind tags the concrete kind of a Stage.
type StageKind int

const (
	KindProjection StageKind = iota
	KindTransformer
	KindTransitionDown
	KindTransitionUp
)

func (k StageKind) String() string {
	switch k {
	case KindProjection:
		return "projection"
	case KindTransformer:
		return "transformer"
	case KindTransitionDown:
		return "transition_down"
	case KindTransitionUp:
		return "transition_up"
	default:
		return "unknown"
	}
}

// ErrTape is returned when Backward is handed a tape recorded by a different
// kind of stage, or an output gradient that does not match the recording.
var ErrTape = errors.New("invalid tape")

// Stage maps a cloud to a new cloud: (coordinates, features) → (coordinates,
// features). Encoder and decoder pipelines are plain sequences of stages;
// TransitionUp joins them through Bind.
type Stage interface {
	Kind() StageKind
	Forward(ctx context.Context, in Cloud) (Cloud, error)
	Parameters() []Parameter
}

// Tape holds what a recorded forward pass needs for its backward pass.
// Release returns its pooled tensors; the tape is unusable afterwards.
type Tape interface {
	Release()
}

// Differentiable is a Stage whose forward pass can be recorded and
// differentiated with respect to its input features and parameters.
// Coordinates are treated as constants.
//
// Backward does not modify dOut. It accumulates into the Grad tensors of
// Parameters and returns the gradient of the input features.
type Differentiable interface {
	Stage
	ForwardTape(ctx context.Context, in Cloud) (Cloud, Tape, error)
	Backward(tape Tape, dOut device.Tensor) (device.Tensor, error)
}

var (
	_ Differentiable = (*Projection)(nil)
	_ Differentiable = (*TransformerBlock)(nil)
	_ Differentiable = (*TransitionDown)(nil)
	_ Stage          = (*boundTransitionUp)(nil)
)

// checkGrad verifies that dOut has the shape of the recorded output out.
func checkGrad(dOut, out device.Tensor) error {
	if dOut == nil {
		return fmt.Errorf("%w: missing output gradient", ErrTape)
	}
	rows, cols := out.Dims()
	if r, c := dOut.Dims(); r != rows || c != cols {
		return fmt.Errorf("%w: output gradient is %dx%d, want %dx%d", ErrTape, r, c, rows, cols)
	}
	return nil
}

// Projection is a per-point Linear → BatchNorm → ReLU that changes the
// feature width without touching the point set.
type Projection struct {
	Backend device.Backend
	InDim   int
	OutDim  int
	Linear  *Linear
	Norm    *BatchNorm
}

func NewProjection(inDim, outDim int, backend device.Backend, rng *rand.Rand) *Projection {
	rng = rngOrDefault(rng)
	return &Projection{
		Backend: backend,
		InDim:   inDim,
		OutDim:  outDim,
		Linear:  NewLinear(inDim, outDim, backend, rng),
		Norm:    NewBatchNorm(outDim, backend),
	}
}

func (p *Projection) Kind() StageKind { return KindProjection }

func (p *Projection) Forward(ctx context.Context, in Cloud) (Cloud, error) {
	out, _, err := p.forward(ctx, in, false)
	return out, err
}

func (p *Projection) ForwardTape(ctx context.Context, in Cloud) (Cloud, Tape, error) {
	out, tp, err := p.forward(ctx, in, true)
	if err != nil {
		return Cloud{}, nil, err
	}
	return out, tp, nil
}

func (p *Projection) forward(ctx context.Context, in Cloud, record bool) (Cloud, *projectionTape, error) {
	if err := ctx.Err(); err != nil {
		return Cloud{}, nil, err
	}
	if err := in.Validate(); err != nil {
		return Cloud{}, nil, err
	}
	if err := in.expectChannels(p.InDim); err != nil {
		return Cloud{}, nil, err
	}

	unit := forwardUnit(p.Linear, p.Norm, in.Feat, record)
	return Cloud{Batch: in.Batch, XYZ: in.XYZ, Feat: unit.out}, &projectionTape{backend: p.Backend, unit: unit}, nil
}

type projectionTape struct {
	backend device.Backend
	unit    *unitTape
}

func (t *projectionTape) Release() {
	if t.unit.linear != nil {
		t.backend.PutTensor(t.unit.linear)
		t.unit.linear = nil
	}
}

func (p *Projection) Backward(tape Tape, dOut device.Tensor) (device.Tensor, error) {
	tp, ok := tape.(*projectionTape)
	if !ok || tp.unit.linear == nil {
		return nil, fmt.Errorf("%w: projection expects its own tape", ErrTape)
	}
	if err := checkGrad(dOut, tp.unit.out); err != nil {
		return nil, err
	}
	return backwardUnit(p.Linear, p.Norm, tp.unit, dOut.Clone()), nil
}

func (p *Projection) Parameters() []Parameter {
	return append(
		prefixed("linear", p.Linear.Parameters()),
		prefixed("batch_norm", p.Norm.Parameters())...,
	)
}
