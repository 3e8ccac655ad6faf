// Package weights moves learned parameters between models and files: an
// ordered raw float32 format and a named CBOR checkpoint.
package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud/model"
)

var (
	// ErrMissingTensor is returned when a checkpoint lacks a model parameter.
	ErrMissingTensor = errors.New("missing tensor")
	// ErrTensorShape is returned when a stored tensor's dimensions differ
	// from the parameter it is loaded into.
	ErrTensorShape = errors.New("tensor shape mismatch")
	// ErrTrailingData is returned when a raw file holds more values than the
	// model has parameters.
	ErrTrailingData = errors.New("trailing data after last parameter")
)

// Module is anything that exposes its learned tensors in a stable order.
type Module interface {
	Parameters() []model.Parameter
}

// Loader handles loading and saving the weights of a Module.
type Loader struct {
	Model Module
}

// NewLoader creates a new weight loader for the given model.
func NewLoader(m Module) *Loader {
	return &Loader{Model: m}
}

// LoadFromRawBinary loads weights from a headerless file of little-endian
// float32 values, one parameter after another in Parameters order.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for _, p := range l.Model.Parameters() {
		if err := loadDense(r, p.Tensor); err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
	}

	if _, err := r.ReadByte(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

// SaveRawBinary writes the model in the layout LoadFromRawBinary reads.
func (l *Loader) SaveRawBinary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	for _, p := range l.Model.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.Tensor.ToHost()); err != nil {
			file.Close()
			return fmt.Errorf("failed to write %s: %w", p.Name, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func loadDense(r io.Reader, d device.Tensor) error {
	rows, cols := d.Dims()
	data := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return err
	}

	// Bulk upload to device
	d.CopyFromFloat32(data)
	return nil
}
