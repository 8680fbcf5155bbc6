package rrhf

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor represents a dense row-major multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a new zero tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// FromData wraps data as a tensor of the given shape. The data is not copied.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "negative dimension in shape %v", shape)
		}
		size *= dim
	}
	if size != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v needs %d values, got %d", shape, size, len(data))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set sets element at given indices
func (t *Tensor) Set(val float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = val
}

// Row returns the innermost vector of a 3D tensor at [i, j, :]. The returned
// slice aliases the tensor data.
func (t *Tensor) Row(i, j int) []float32 {
	if len(t.Shape) != 3 {
		panic(fmt.Sprintf("Row requires a 3D tensor, got shape %v", t.Shape))
	}
	v := t.Shape[2]
	start := (i*t.Shape[1] + j) * v
	return t.Data[start : start+v]
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}
