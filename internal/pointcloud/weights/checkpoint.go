package weights

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

// CheckpointVersion is written into every checkpoint.
const CheckpointVersion = 1

// TensorRecord is one named parameter in a checkpoint.
type TensorRecord struct {
	Name string    `cbor:"name"`
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	Data []float32 `cbor:"data"`
}

// Checkpoint is the decoded form of a CBOR checkpoint. Config is kept raw so
// the caller can decode it into its own configuration type before building
// the model the tensors are applied to.
type Checkpoint struct {
	Version int             `cbor:"version"`
	Config  cbor.RawMessage `cbor:"config,omitempty"`
	Tensors []TensorRecord  `cbor:"tensors"`
}

// DecodeConfig unmarshals the stored configuration into v.
func (c *Checkpoint) DecodeConfig(v any) error {
	if len(c.Config) == 0 {
		return fmt.Errorf("checkpoint has no config")
	}
	return cbor.Unmarshal(c.Config, v)
}

// ReadCheckpoint decodes a checkpoint written by SaveCheckpoint.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	var ckpt Checkpoint
	if err := cbor.NewDecoder(r).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if ckpt.Version != CheckpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", ckpt.Version)
	}
	return &ckpt, nil
}

// SaveCheckpoint writes config (may be nil) and every parameter by name.
func (l *Loader) SaveCheckpoint(w io.Writer, config any) error {
	ckpt := Checkpoint{Version: CheckpointVersion}
	if config != nil {
		raw, err := cbor.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		ckpt.Config = raw
	}

	for _, p := range l.Model.Parameters() {
		rows, cols := p.Tensor.Dims()
		ckpt.Tensors = append(ckpt.Tensors, TensorRecord{
			Name: p.Name,
			Rows: rows,
			Cols: cols,
			Data: p.Tensor.ToHost(),
		})
	}

	if err := cbor.NewEncoder(w).Encode(ckpt); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

// Apply copies checkpoint tensors into the model's parameters by name.
// Every parameter must be present with matching dimensions; tensors the
// model does not have are skipped.
func (l *Loader) Apply(ckpt *Checkpoint) error {
	byName := make(map[string]*TensorRecord, len(ckpt.Tensors))
	for i := range ckpt.Tensors {
		byName[ckpt.Tensors[i].Name] = &ckpt.Tensors[i]
	}

	params := l.Model.Parameters()
	for _, p := range params {
		rec, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingTensor, p.Name)
		}
		rows, cols := p.Tensor.Dims()
		if rec.Rows != rows || rec.Cols != cols || len(rec.Data) != rows*cols {
			return fmt.Errorf("%w: %s is %dx%d, checkpoint has %dx%d", ErrTensorShape, p.Name, rows, cols, rec.Rows, rec.Cols)
		}
		p.Tensor.CopyFromFloat32(rec.Data)
		delete(byName, p.Name)
	}

	for name := range byName {
		log.Warn().Str("tensor", name).Msg("Ignoring unknown checkpoint tensor")
	}
	log.Debug().Int("tensors", len(params)).Msg("Applied checkpoint")
	return nil
}

// LoadCheckpoint reads a checkpoint and applies it to the model.
func (l *Loader) LoadCheckpoint(r io.Reader) error {
	ckpt, err := ReadCheckpoint(r)
	if err != nil {
		return err
	}
	return l.Apply(ckpt)
}
