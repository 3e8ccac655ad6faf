// Package pointcloud assembles point transformer stages into a U-Net style
// backbone for per-point feature extraction.
package pointcloud

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud/model"
)

var tracer = otel.Tracer("pointformer-network")

// EncoderLevel reduces the cloud (Projection on the first level,
// TransitionDown afterwards) and then attends over it.
type EncoderLevel struct {
	Down  model.Differentiable
	Block *model.TransformerBlock
}

// DecoderLevel lifts features onto the skip cloud of the matching encoder
// level and attends over the result.
type DecoderLevel struct {
	Up    *model.TransitionUp
	Block *model.TransformerBlock
}

// Network is a point transformer encoder/decoder. The output cloud has the
// input's coordinates and Dims[0] features per point.
type Network struct {
	Config  Config
	Backend device.Backend
	Encoder []*EncoderLevel
	// Decoder runs deepest first; Decoder[i] restores encoder level
	// len(Dims)-2-i.
	Decoder []*DecoderLevel
}

func NewNetwork(config Config, backend device.Backend) (*Network, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(config.Seed))
	points := config.levelPoints()

	n := &Network{Config: config, Backend: backend}

	inDim := config.InDim
	for i, dim := range config.Dims {
		lvl := &EncoderLevel{}
		if i == 0 {
			lvl.Down = model.NewProjection(inDim, dim, backend, rng)
		} else {
			k := min(config.K, points[i-1])
			lvl.Down = model.NewTransitionDown(points[i], inDim, dim, k, backend, rng)
		}
		lvl.Block = model.NewTransformerBlock(dim, dim, min(config.K, points[i]), backend, rng)
		n.Encoder = append(n.Encoder, lvl)
		inDim = dim
	}

	for i := len(config.Dims) - 2; i >= 0; i-- {
		dim := config.Dims[i]
		up := model.NewTransitionUp(config.Dims[i+1], dim, dim, backend, rng)
		up.K = config.InterpolationK
		n.Decoder = append(n.Decoder, &DecoderLevel{
			Up:    up,
			Block: model.NewTransformerBlock(dim, dim, min(config.K, points[i]), backend, rng),
		})
	}

	n.SetUseRunningStats(config.UseRunningStats)

	log.Debug().
		Int("levels", len(config.Dims)).
		Ints("points", points).
		Int("parameters", len(n.Parameters())).
		Msg("Built point transformer network")
	return n, nil
}

// SetUseRunningStats switches every batch norm between batch and stored
// statistics.
func (n *Network) SetUseRunningStats(use bool) {
	n.Config.UseRunningStats = use
	for _, bn := range n.batchNorms() {
		bn.UseRunningStats = use
	}
}

func (n *Network) batchNorms() []*model.BatchNorm {
	var norms []*model.BatchNorm
	for _, lvl := range n.Encoder {
		switch d := lvl.Down.(type) {
		case *model.Projection:
			norms = append(norms, d.Norm)
		case *model.TransitionDown:
			norms = append(norms, d.Norm)
		}
	}
	for _, lvl := range n.Decoder {
		norms = append(norms, lvl.Up.Norm, lvl.Up.SkipNorm)
	}
	return norms
}

// Forward runs the encoder, keeping every level's output as a skip cloud,
// then the decoder back to the input resolution.
func (n *Network) Forward(ctx context.Context, in model.Cloud) (model.Cloud, error) {
	out, _, err := n.forward(ctx, in, false)
	return out, err
}

// NetworkTape records every stage of a Network forward pass.
type NetworkTape struct {
	batch   int
	points  int
	encoder []levelTape
	decoder []levelTape
}

type levelTape struct {
	resample model.Tape // Down on encoder levels, Up on decoder levels
	block    model.Tape
}

// Release returns the pooled tensors held by every recorded stage.
func (t *NetworkTape) Release() {
	for _, lvl := range append(t.encoder, t.decoder...) {
		for _, tp := range []model.Tape{lvl.resample, lvl.block} {
			if tp != nil {
				tp.Release()
			}
		}
	}
	t.encoder, t.decoder = nil, nil
}

// ForwardTape is Forward that records the pass for Backward.
func (n *Network) ForwardTape(ctx context.Context, in model.Cloud) (model.Cloud, *NetworkTape, error) {
	return n.forward(ctx, in, true)
}

type step func(ctx context.Context, in model.Cloud) (model.Cloud, model.Tape, error)

func untaped(s model.Stage) step {
	return func(ctx context.Context, in model.Cloud) (model.Cloud, model.Tape, error) {
		out, err := s.Forward(ctx, in)
		return out, nil, err
	}
}

func (n *Network) forward(ctx context.Context, in model.Cloud, record bool) (model.Cloud, *NetworkTape, error) {
	ctx, span := tracer.Start(ctx, "Network.Forward")
	defer span.End()

	start := time.Now()
	defer func() {
		forwardDuration.Observe(time.Since(start).Seconds())
	}()

	if err := in.Validate(); err != nil {
		span.RecordError(err)
		return model.Cloud{}, nil, err
	}
	if got := in.Points(); got != n.Config.NumPoints {
		err := fmt.Errorf("%w: network expects %d points, got %d", model.ErrShapeMismatch, n.Config.NumPoints, got)
		span.RecordError(err)
		return model.Cloud{}, nil, err
	}
	span.SetAttributes(
		attribute.Int("batch", in.Batch),
		attribute.Int("points", in.Points()),
		attribute.Bool("record", record),
	)

	tape := &NetworkTape{batch: in.Batch, points: in.Points()}
	fail := func(err error) (model.Cloud, *NetworkTape, error) {
		tape.Release()
		return model.Cloud{}, nil, err
	}

	skips := make([]model.Cloud, len(n.Encoder))
	cur := in
	for i, lvl := range n.Encoder {
		down, block := untaped(lvl.Down), untaped(lvl.Block)
		if record {
			down, block = lvl.Down.ForwardTape, lvl.Block.ForwardTape
		}
		var lt levelTape
		var err error
		prefix := "encoder." + strconv.Itoa(i)
		if cur, lt.resample, err = n.run(ctx, prefix+".down", lvl.Down.Kind(), cur, down); err != nil {
			return fail(err)
		}
		tape.encoder = append(tape.encoder, lt)
		if cur, tape.encoder[i].block, err = n.run(ctx, prefix+".block", lvl.Block.Kind(), cur, block); err != nil {
			return fail(err)
		}
		skips[i] = cur
	}

	for i, lvl := range n.Decoder {
		skip := skips[len(skips)-2-i]
		up, block := untaped(lvl.Up.Bind(skip)), untaped(lvl.Block)
		if record {
			up = func(ctx context.Context, in model.Cloud) (model.Cloud, model.Tape, error) {
				return lvl.Up.FuseTape(ctx, in, skip)
			}
			block = lvl.Block.ForwardTape
		}
		var lt levelTape
		var err error
		prefix := "decoder." + strconv.Itoa(i)
		if cur, lt.resample, err = n.run(ctx, prefix+".up", model.KindTransitionUp, cur, up); err != nil {
			return fail(err)
		}
		tape.decoder = append(tape.decoder, lt)
		if cur, tape.decoder[i].block, err = n.run(ctx, prefix+".block", lvl.Block.Kind(), cur, block); err != nil {
			return fail(err)
		}
	}

	pointsProcessed.Add(float64(in.Batch * in.Points()))
	if !record {
		return cur, nil, nil
	}
	return cur, tape, nil
}

func (n *Network) run(ctx context.Context, name string, kind model.StageKind, in model.Cloud, fn step) (model.Cloud, model.Tape, error) {
	if err := ctx.Err(); err != nil {
		return model.Cloud{}, nil, err
	}

	_, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("layer_type", kind.String()),
		attribute.Int("points", in.Points()),
	))
	defer span.End()

	start := time.Now()
	out, tape, err := fn(ctx, in)
	n.Backend.Synchronize()
	elapsed := time.Since(start)
	model.LayerDuration.WithLabelValues(kind.String(), n.Backend.Name()).Observe(elapsed.Seconds())

	if err != nil {
		forwardErrors.WithLabelValues(kind.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Cloud{}, nil, fmt.Errorf("%s: %w", name, err)
	}

	log.Debug().
		Str("stage", name).
		Int("points", out.Points()).
		Int("channels", out.Channels()).
		Dur("elapsed", elapsed).
		Msg("Stage complete")
	return out, tape, nil
}

// Backward propagates dOut, the gradient of the recorded output features,
// back through the decoder and encoder. Parameter gradients accumulate into
// the Grad tensors of Parameters; the gradient of the input features is
// returned. dOut is not modified.
func (n *Network) Backward(tape *NetworkTape, dOut device.Tensor) (device.Tensor, error) {
	if tape == nil || len(tape.encoder) != len(n.Encoder) || len(tape.decoder) != len(n.Decoder) {
		return nil, fmt.Errorf("%w: network tape does not match the network", model.ErrTape)
	}
	start := time.Now()
	defer func() {
		backwardDuration.Observe(time.Since(start).Seconds())
	}()

	// Gradients of the encoder outputs reaching them through skip links.
	dSkips := make([]device.Tensor, len(n.Encoder))
	grad := dOut
	replace := func(next device.Tensor) {
		if grad != dOut {
			n.Backend.PutTensor(grad)
		}
		grad = next
	}

	for i := len(n.Decoder) - 1; i >= 0; i-- {
		lvl, lt := n.Decoder[i], tape.decoder[i]
		dBlock, err := lvl.Block.Backward(lt.block, grad)
		if err != nil {
			return nil, fmt.Errorf("decoder.%d.block: %w", i, err)
		}
		replace(dBlock)

		dIn, dSkip, err := lvl.Up.Backward(lt.resample, grad)
		if err != nil {
			return nil, fmt.Errorf("decoder.%d.up: %w", i, err)
		}
		replace(dIn)
		dSkips[len(n.Encoder)-2-i] = dSkip
	}

	for i := len(n.Encoder) - 1; i >= 0; i-- {
		lvl, lt := n.Encoder[i], tape.encoder[i]
		if dSkips[i] != nil {
			if grad == dOut {
				replace(dOut.Clone())
			}
			grad.Add(dSkips[i])
			n.Backend.PutTensor(dSkips[i])
		}
		dBlock, err := lvl.Block.Backward(lt.block, grad)
		if err != nil {
			return nil, fmt.Errorf("encoder.%d.block: %w", i, err)
		}
		replace(dBlock)

		dDown, err := lvl.Down.Backward(lt.resample, grad)
		if err != nil {
			return nil, fmt.Errorf("encoder.%d.down: %w", i, err)
		}
		replace(dDown)
	}

	if grad == dOut {
		return dOut.Clone(), nil
	}
	return grad, nil
}

// Parameters returns every learned tensor under a dotted path such as
// "encoder.1.block.point_transformer_layer.phi.weight".
func (n *Network) Parameters() []model.Parameter {
	var params []model.Parameter
	add := func(prefix string, ps []model.Parameter) {
		for _, p := range ps {
			p.Name = prefix + "." + p.Name
			params = append(params, p)
		}
	}
	for i, lvl := range n.Encoder {
		add("encoder."+strconv.Itoa(i)+".down", lvl.Down.Parameters())
		add("encoder."+strconv.Itoa(i)+".block", lvl.Block.Parameters())
	}
	for i, lvl := range n.Decoder {
		add("decoder."+strconv.Itoa(i)+".up", lvl.Up.Parameters())
		add("decoder."+strconv.Itoa(i)+".block", lvl.Block.Parameters())
	}
	return params
}
