// Package tensor provides a small reverse-mode autodiff engine used to turn
// user loss functions into logprob gradients locally, without a round trip.
//
// Values are dense float64 tensors. Operations record a tape; calling
// Backward on a scalar output walks the tape in reverse and accumulates
// gradients into every Variable that contributed to it. Shape mismatches
// panic with ErrShape in the style of numeric Go libraries; the training
// client runs loss callbacks behind a recover boundary, so a panic surfaces
// to callers as a failed request rather than a crash.
package tensor

import (
	"errors"
	"math"

	"github.com/tinkerapi/tinker-go/api/types"
)

var (
	// ErrShape is the panic value for operand dimension mismatches.
	ErrShape = errors.New("tensor: dimension mismatch")

	// ErrNonScalar is the panic value for Backward on a non-scalar output.
	ErrNonScalar = errors.New("tensor: backward requires a scalar output")

	// ErrEmpty is the panic value for operations on zero-element tensors.
	ErrEmpty = errors.New("tensor: empty tensor")
)

// Tensor is a node in the autodiff graph. Leaves are created with Variable
// (gradient-tracked) or Constant; interior nodes come from operations.
type Tensor struct {
	data  []float64
	shape []int64
	grad  []float64

	requiresGrad bool
	parents      []*Tensor
	backward     func()
}

// Variable builds a gradient-tracked leaf. The data slice is copied. A nil
// shape means scalar and requires exactly one element.
func Variable(data []float64, shape ...int64) *Tensor {
	t := newLeaf(data, shape)
	t.requiresGrad = true
	t.grad = make([]float64, len(t.data))
	return t
}

// Constant builds a leaf that accumulates no gradient.
func Constant(data []float64, shape ...int64) *Tensor {
	return newLeaf(data, shape)
}

// Scalar builds a rank-0 constant.
func Scalar(v float64) *Tensor {
	return Constant([]float64{v})
}

func newLeaf(data []float64, shape []int64) *Tensor {
	if len(data) == 0 {
		panic(ErrEmpty)
	}
	want := int64(1)
	for _, d := range shape {
		want *= d
	}
	if int64(len(data)) != want {
		panic(ErrShape)
	}
	cp := make([]float64, len(data))
	copy(cp, data)
	var sh []int64
	if shape != nil {
		sh = make([]int64, len(shape))
		copy(sh, shape)
	}
	return &Tensor{data: cp, shape: sh}
}

// FromWire widens a wire tensor into a gradient-tracked Variable.
func FromWire(td types.TensorData) (*Tensor, error) {
	data := td.Float64s()
	if len(data) == 0 {
		return nil, errors.New("tensor: wire tensor carries no data")
	}
	return Variable(data, td.Shape...), nil
}

// ToWire narrows the tensor's values to a wire dtype. The float32 downcast
// logs the usual coercion warning; int64 truncates toward zero.
func (t *Tensor) ToWire(dt types.Dtype) (types.TensorData, error) {
	switch dt {
	case types.DtypeFloat32:
		return types.Float32TensorFromFloat64(t.Data(), t.shape...), nil
	case types.DtypeInt64:
		ints := make([]int64, len(t.data))
		for i, v := range t.data {
			ints[i] = int64(v)
		}
		return types.Int64Tensor(ints, t.shape...), nil
	}
	return types.TensorData{}, errors.New("tensor: dtype " + string(dt) + " is not a wire type")
}

// GradWire returns the accumulated gradient as a float32 wire tensor with
// the same shape as the variable.
func (t *Tensor) GradWire() types.TensorData {
	return types.Float32TensorFromFloat64(t.Grad(), t.shape...)
}

// Data returns a copy of the flat values.
func (t *Tensor) Data() []float64 {
	cp := make([]float64, len(t.data))
	copy(cp, t.data)
	return cp
}

// Grad returns a copy of the accumulated gradient, nil for constants.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		return nil
	}
	cp := make([]float64, len(t.grad))
	copy(cp, t.grad)
	return cp
}

// Shape returns a copy of the shape, nil for scalars.
func (t *Tensor) Shape() []int64 {
	if t.shape == nil {
		return nil
	}
	cp := make([]int64, len(t.shape))
	copy(cp, t.shape)
	return cp
}

// NumElements returns the flat element count.
func (t *Tensor) NumElements() int { return len(t.data) }

// IsScalar reports whether the tensor is rank 0.
func (t *Tensor) IsScalar() bool { return t.shape == nil }

// Value returns the single element of a scalar tensor.
func (t *Tensor) Value() float64 {
	if len(t.data) != 1 {
		panic(ErrNonScalar)
	}
	return t.data[0]
}

func sameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return len(a.data) == len(b.data)
}

func (t *Tensor) child(data []float64, shape []int64, parents ...*Tensor) *Tensor {
	out := &Tensor{data: data, shape: shape, parents: parents}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
		}
	}
	if out.requiresGrad {
		out.grad = make([]float64, len(data))
	}
	return out
}

// Add returns t + o elementwise.
func (t *Tensor) Add(o *Tensor) *Tensor {
	if !sameShape(t, o) {
		panic(ErrShape)
	}
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = t.data[i] + o.data[i]
	}
	out := t.child(data, t.shape, t, o)
	out.backward = func() {
		for i, g := range out.grad {
			if t.grad != nil {
				t.grad[i] += g
			}
			if o.grad != nil {
				o.grad[i] += g
			}
		}
	}
	return out
}

// Sub returns t - o elementwise.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	if !sameShape(t, o) {
		panic(ErrShape)
	}
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = t.data[i] - o.data[i]
	}
	out := t.child(data, t.shape, t, o)
	out.backward = func() {
		for i, g := range out.grad {
			if t.grad != nil {
				t.grad[i] += g
			}
			if o.grad != nil {
				o.grad[i] -= g
			}
		}
	}
	return out
}

// MulElem returns the Hadamard product t * o.
func (t *Tensor) MulElem(o *Tensor) *Tensor {
	if !sameShape(t, o) {
		panic(ErrShape)
	}
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = t.data[i] * o.data[i]
	}
	out := t.child(data, t.shape, t, o)
	out.backward = func() {
		for i, g := range out.grad {
			if t.grad != nil {
				t.grad[i] += g * o.data[i]
			}
			if o.grad != nil {
				o.grad[i] += g * t.data[i]
			}
		}
	}
	return out
}

// Scale returns c * t.
func (t *Tensor) Scale(c float64) *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = c * t.data[i]
	}
	out := t.child(data, t.shape, t)
	out.backward = func() {
		if t.grad == nil {
			return
		}
		for i, g := range out.grad {
			t.grad[i] += c * g
		}
	}
	return out
}

// AddScalar returns t + c elementwise.
func (t *Tensor) AddScalar(c float64) *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = t.data[i] + c
	}
	out := t.child(data, t.shape, t)
	out.backward = func() {
		if t.grad == nil {
			return
		}
		for i, g := range out.grad {
			t.grad[i] += g
		}
	}
	return out
}

// Neg returns -t.
func (t *Tensor) Neg() *Tensor { return t.Scale(-1) }

// Exp returns e^t elementwise.
func (t *Tensor) Exp() *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = math.Exp(t.data[i])
	}
	out := t.child(data, t.shape, t)
	out.backward = func() {
		if t.grad == nil {
			return
		}
		for i, g := range out.grad {
			t.grad[i] += g * out.data[i]
		}
	}
	return out
}

// Log returns ln(t) elementwise. Non-positive inputs follow math.Log.
func (t *Tensor) Log() *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = math.Log(t.data[i])
	}
	out := t.child(data, t.shape, t)
	out.backward = func() {
		if t.grad == nil {
			return
		}
		for i, g := range out.grad {
			t.grad[i] += g / t.data[i]
		}
	}
	return out
}

// Sum reduces to a scalar.
func (t *Tensor) Sum() *Tensor {
	var s float64
	for _, v := range t.data {
		s += v
	}
	out := t.child([]float64{s}, nil, t)
	out.backward = func() {
		if t.grad == nil {
			return
		}
		g := out.grad[0]
		for i := range t.grad {
			t.grad[i] += g
		}
	}
	return out
}

// Mean reduces to a scalar.
func (t *Tensor) Mean() *Tensor {
	return t.Sum().Scale(1 / float64(len(t.data)))
}

// Backward seeds d(out)=1 on a scalar output and accumulates gradients into
// every contributing Variable. It may be called once per graph.
func (t *Tensor) Backward() {
	if len(t.data) != 1 || t.shape != nil {
		panic(ErrNonScalar)
	}
	if t.grad == nil {
		// No Variable contributed; nothing to do.
		return
	}
	order := make([]*Tensor, 0, 16)
	seen := map[*Tensor]bool{}
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, p := range n.parents {
			visit(p)
		}
		order = append(order, n)
	}
	visit(t)

	t.grad[0] = 1
	for i := len(order) - 1; i >= 0; i-- {
		if order[i].backward != nil {
			order[i].backward()
		}
	}
}
