package types

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
)

// Dtype names a wire tensor element type. Only int64 and float32 cross the
// wire; everything else must be coerced (loudly) before serialization.
type Dtype string

const (
	DtypeInt64   Dtype = "int64"
	DtypeFloat32 Dtype = "float32"
)

// ByteSize returns the element width in bytes, used by the chunking heuristic.
func (d Dtype) ByteSize() int64 {
	switch d {
	case DtypeInt64:
		return 8
	case DtypeFloat32:
		return 4
	}
	return 0
}

// TensorData is a dense tensor in wire format: a dtype, an optional shape
// (nil means scalar) and a flat data list. Exactly one of Ints/Floats is
// populated, matching Dtype.
type TensorData struct {
	Dtype  Dtype
	Shape  []int64
	Ints   []int64
	Floats []float32
}

// Int64Tensor builds an int64 TensorData. A nil shape means scalar.
func Int64Tensor(data []int64, shape ...int64) TensorData {
	return TensorData{Dtype: DtypeInt64, Shape: shape, Ints: data}
}

// Float32Tensor builds a float32 TensorData. A nil shape means scalar.
func Float32Tensor(data []float32, shape ...int64) TensorData {
	return TensorData{Dtype: DtypeFloat32, Shape: shape, Floats: data}
}

// Float32TensorFromFloat64 downcasts float64 data to the float32 wire type.
// The downcast is permitted but must be loud: a warning is logged with the
// original dtype every time.
func Float32TensorFromFloat64(data []float64, shape ...int64) TensorData {
	slog.Warn("downcasting tensor data for wire format",
		slog.String("from_dtype", "float64"),
		slog.String("to_dtype", string(DtypeFloat32)),
		slog.Int("elements", len(data)))
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return TensorData{Dtype: DtypeFloat32, Shape: shape, Floats: out}
}

// Int64TensorFromUint64 upcasts unsigned 64-bit data to the signed wire type.
// The overflow warning is emitted even when every value would have fit.
func Int64TensorFromUint64(data []uint64, shape ...int64) TensorData {
	slog.Warn("converting tensor data for wire format",
		slog.String("from_dtype", "uint64"),
		slog.String("to_dtype", string(DtypeInt64)),
		slog.String("detail", "values above math.MaxInt64 wrap"),
		slog.Int("elements", len(data)))
	out := make([]int64, len(data))
	for i, v := range data {
		out[i] = int64(v)
	}
	return TensorData{Dtype: DtypeInt64, Shape: shape, Ints: out}
}

// NumElements returns the flat element count.
func (t TensorData) NumElements() int64 {
	switch t.Dtype {
	case DtypeInt64:
		return int64(len(t.Ints))
	case DtypeFloat32:
		return int64(len(t.Floats))
	}
	return 0
}

// IsScalar reports whether the tensor carries no shape.
func (t TensorData) IsScalar() bool { return t.Shape == nil }

// ByteLen is the flattened data size in bytes, the tensor's contribution to
// the chunking heuristic.
func (t TensorData) ByteLen() int64 { return t.NumElements() * t.Dtype.ByteSize() }

// Float64s widens the payload to float64 regardless of dtype. Used when
// handing logprobs to a local tensor adapter.
func (t TensorData) Float64s() []float64 {
	switch t.Dtype {
	case DtypeInt64:
		out := make([]float64, len(t.Ints))
		for i, v := range t.Ints {
			out[i] = float64(v)
		}
		return out
	case DtypeFloat32:
		out := make([]float64, len(t.Floats))
		for i, v := range t.Floats {
			out[i] = float64(v)
		}
		return out
	}
	return nil
}

type wireTensor struct {
	Dtype Dtype             `json:"dtype"`
	Shape []int64           `json:"shape,omitempty"`
	Data  []json.RawMessage `json:"data"`
}

// MarshalJSON emits {dtype, shape?, data} with the flat data list.
func (t TensorData) MarshalJSON() ([]byte, error) {
	n := t.NumElements()
	data := make([]json.RawMessage, 0, n)
	switch t.Dtype {
	case DtypeInt64:
		for _, v := range t.Ints {
			data = append(data, json.RawMessage(fmt.Sprintf("%d", v)))
		}
	case DtypeFloat32:
		for _, v := range t.Floats {
			if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("tensor data contains non-finite value %v", v)
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			data = append(data, b)
		}
	default:
		return nil, fmt.Errorf("dtype %q cannot cross the wire", t.Dtype)
	}
	return json.Marshal(wireTensor{Dtype: t.Dtype, Shape: t.Shape, Data: data})
}

// UnmarshalJSON parses the flat data list into the dtype-matched slice.
func (t *TensorData) UnmarshalJSON(data []byte) error {
	var raw wireTensor
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Dtype {
	case DtypeInt64:
		ints := make([]int64, len(raw.Data))
		for i, rm := range raw.Data {
			if err := json.Unmarshal(rm, &ints[i]); err != nil {
				return fmt.Errorf("data[%d]: %w", i, err)
			}
		}
		*t = TensorData{Dtype: raw.Dtype, Shape: raw.Shape, Ints: ints}
	case DtypeFloat32:
		floats := make([]float32, len(raw.Data))
		for i, rm := range raw.Data {
			if err := json.Unmarshal(rm, &floats[i]); err != nil {
				return fmt.Errorf("data[%d]: %w", i, err)
			}
		}
		*t = TensorData{Dtype: raw.Dtype, Shape: raw.Shape, Floats: floats}
	default:
		return fmt.Errorf("dtype %q is not a wire type", raw.Dtype)
	}
	return nil
}

// Datum is one training example: a prompt plus named loss-function inputs.
type Datum struct {
	ModelInput   ModelInput            `json:"model_input"`
	LossFnInputs map[string]TensorData `json:"loss_fn_inputs,omitempty"`
}

// NumberCount is the datum's weight for batch bin-packing: the sum of its
// chunk weights plus the byte length of every loss-fn input's flattened data.
func (d Datum) NumberCount() int64 {
	total := d.ModelInput.NumberCount()
	for _, td := range d.LossFnInputs {
		total += td.ByteLen()
	}
	return total
}
