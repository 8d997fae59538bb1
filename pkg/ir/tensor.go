// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"encoding/binary"
	"math"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Tensor is a named constant tensor (an "initializer") owned by a Graph scope.
//
// The value payload is encoded either as Raw (little-endian bytes, exactly
// Shape.Memory() of them) or as Data (a flat Go slice whose element type is
// Shape.DType's native type). The encoding is chosen at construction and is
// immutable afterwards.
type Tensor struct {
	Name  string
	Shape shapes.Shape

	// Raw is the little-endian byte encoding of the elements. Nil when the
	// tensor is typed-encoded.
	Raw []byte

	// Data is the typed element slice. Nil when the tensor is raw-encoded.
	Data any
}

// NewTensor creates a typed-encoded tensor: values are converted to the
// dtype's native Go type and stored as a flat slice, with no byte-level
// repacking.
//
// values must be a flat slice of some numeric type (bool for dtypes.Bool),
// with exactly one element per position of the shape. Inconvertible payloads
// return an error wrapping ErrEncoding.
func NewTensor(name string, dtype dtypes.DType, dims []int, values any) (*Tensor, error) {
	shape, data, err := convertValues(name, dtype, dims, values)
	if err != nil {
		return nil, err
	}
	return &Tensor{Name: name, Shape: shape, Data: data}, nil
}

// NewRawTensor creates a raw-encoded tensor: values are converted to the
// dtype's native element width and stored as an opaque little-endian byte
// buffer of exactly Shape.Memory() bytes.
func NewRawTensor(name string, dtype dtypes.DType, dims []int, values any) (*Tensor, error) {
	shape, data, err := convertValues(name, dtype, dims, values)
	if err != nil {
		return nil, err
	}
	return &Tensor{Name: name, Shape: shape, Raw: encodeRaw(data)}, nil
}

// IsRaw reports whether the payload is byte-encoded.
func (t *Tensor) IsRaw() bool { return t.Raw != nil }

// DType is a shortcut for t.Shape.DType.
func (t *Tensor) DType() dtypes.DType { return t.Shape.DType }

// NumElements is a shortcut for t.Shape.Size().
func (t *Tensor) NumElements() int { return t.Shape.Size() }

// Float32Values decodes the payload back to []float32, for any float dtype
// and either encoding. It panics if the tensor's dtype is not a float type:
// reading a constant as the wrong type is a bug in the calling pass.
func (t *Tensor) Float32Values() []float32 {
	dtype := t.Shape.DType
	if !dtype.IsFloat() {
		exceptions.Panicf("Tensor(%q).Float32Values: dtype is %s, not a float type", t.Name, dtype)
	}
	out := make([]float32, t.NumElements())
	if !t.IsRaw() {
		switch data := t.Data.(type) {
		case []float32:
			copy(out, data)
		case []float64:
			for i, v := range data {
				out[i] = float32(v)
			}
		case []float16.Float16:
			for i, v := range data {
				out[i] = v.Float32()
			}
		case []bfloat16.BFloat16:
			for i, v := range data {
				out[i] = v.Float32()
			}
		default:
			exceptions.Panicf("Tensor(%q).Float32Values: unexpected typed payload %T for dtype %s",
				t.Name, t.Data, dtype)
		}
		return out
	}
	width := dtype.Size()
	for i := range out {
		chunk := t.Raw[i*width:]
		switch dtype {
		case dtypes.Float32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk))
		case dtypes.Float64:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
		case dtypes.Float16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32()
		case dtypes.BFloat16:
			out[i] = bfloat16.FromBits(binary.LittleEndian.Uint16(chunk)).Float32()
		}
	}
	return out
}

// convertValues validates the payload against dtype/dims and converts it to a
// flat slice of the dtype's native Go type.
func convertValues(name string, dtype dtypes.DType, dims []int, values any) (shapes.Shape, any, error) {
	if dtype == dtypes.InvalidDType || !dtype.IsSupported() {
		return shapes.Invalid(), nil, errors.Wrapf(ErrEncoding, "tensor %q: unsupported dtype %s", name, dtype)
	}
	shape := shapes.Make(dtype, dims...)
	v := reflect.ValueOf(values)
	if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return shapes.Invalid(), nil, errors.Wrapf(ErrEncoding,
			"tensor %q: values must be a flat slice, got %T", name, values)
	}
	if v.Len() != shape.Size() {
		return shapes.Invalid(), nil, errors.Wrapf(ErrEncoding,
			"tensor %q: shape %s requires %d elements, got %d", name, shape, shape.Size(), v.Len())
	}

	switch dtype {
	case dtypes.Bool:
		out := make([]bool, v.Len())
		for i := range out {
			elem := v.Index(i)
			if elem.Kind() != reflect.Bool {
				return shapes.Invalid(), nil, errors.Wrapf(ErrEncoding,
					"tensor %q: cannot convert %s to %s", name, elem.Type(), dtype)
			}
			out[i] = elem.Bool()
		}
		return shape, out, nil

	case dtypes.Float16:
		out := make([]float16.Float16, v.Len())
		for i := range out {
			f, err := elemAsFloat64(v.Index(i))
			if err != nil {
				return shapes.Invalid(), nil, errors.WithMessagef(err, "tensor %q", name)
			}
			out[i] = float16.Fromfloat32(float32(f))
		}
		return shape, out, nil

	case dtypes.BFloat16:
		out := make([]bfloat16.BFloat16, v.Len())
		for i := range out {
			f, err := elemAsFloat64(v.Index(i))
			if err != nil {
				return shapes.Invalid(), nil, errors.WithMessagef(err, "tensor %q", name)
			}
			out[i] = bfloat16.FromFloat64(f)
		}
		return shape, out, nil
	}

	goType := dtype.GoType()
	elemType := v.Type().Elem()
	if elemType == float16Type || elemType == bfloat16Type {
		// Value-preserving conversion; reflect.Convert would reinterpret the bits.
		out := reflect.MakeSlice(reflect.SliceOf(goType), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			f, _ := elemAsFloat64(v.Index(i))
			out.Index(i).Set(reflect.ValueOf(f).Convert(goType))
		}
		return shape, out.Interface(), nil
	}
	if !elemType.ConvertibleTo(goType) {
		return shapes.Invalid(), nil, errors.Wrapf(ErrEncoding,
			"tensor %q: cannot convert %s to %s", name, elemType, dtype)
	}
	out := reflect.MakeSlice(reflect.SliceOf(goType), v.Len(), v.Len())
	for i := 0; i < v.Len(); i++ {
		out.Index(i).Set(v.Index(i).Convert(goType))
	}
	return shape, out.Interface(), nil
}

// elemAsFloat64 reads any numeric reflect value as float64.
func elemAsFloat64(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.Type() == float16Type {
			return float64(v.Interface().(float16.Float16).Float32()), nil
		}
		if v.Type() == bfloat16Type {
			return float64(v.Interface().(bfloat16.BFloat16).Float32()), nil
		}
		return float64(v.Uint()), nil
	}
	return 0, errors.Wrapf(ErrEncoding, "cannot convert %s to a float dtype", v.Type())
}

var (
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
)

// encodeRaw turns a flat slice of a dtype's native Go type (the output of
// convertValues) into its little-endian byte encoding.
func encodeRaw(data any) []byte {
	switch vals := data.(type) {
	case []bool:
		out := make([]byte, len(vals))
		for i, v := range vals {
			if v {
				out[i] = 1
			}
		}
		return out
	case []uint8:
		out := make([]byte, len(vals))
		copy(out, vals)
		return out
	case []int8:
		out := make([]byte, len(vals))
		for i, v := range vals {
			out[i] = byte(v)
		}
		return out
	case []int16:
		return encodeInts(vals, 2)
	case []uint16:
		return encodeInts(vals, 2)
	case []int32:
		return encodeInts(vals, 4)
	case []uint32:
		return encodeInts(vals, 4)
	case []int64:
		return encodeInts(vals, 8)
	case []uint64:
		return encodeInts(vals, 8)
	case []float16.Float16:
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[2*i:], v.Bits())
		}
		return out
	case []bfloat16.BFloat16:
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[2*i:], v.Bits())
		}
		return out
	case []float32:
		out := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out
	case []float64:
		out := make([]byte, 8*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
		}
		return out
	case []complex64:
		out := make([]byte, 8*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[8*i:], math.Float32bits(real(v)))
			binary.LittleEndian.PutUint32(out[8*i+4:], math.Float32bits(imag(v)))
		}
		return out
	case []complex128:
		out := make([]byte, 16*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint64(out[16*i:], math.Float64bits(real(v)))
			binary.LittleEndian.PutUint64(out[16*i+8:], math.Float64bits(imag(v)))
		}
		return out
	}
	exceptions.Panicf("encodeRaw: unexpected payload type %T", data)
	return nil
}

func encodeInts[T constraints.Integer](vals []T, width int) []byte {
	out := make([]byte, width*len(vals))
	for i, v := range vals {
		u := uint64(v)
		switch width {
		case 2:
			binary.LittleEndian.PutUint16(out[2*i:], uint16(u))
		case 4:
			binary.LittleEndian.PutUint32(out[4*i:], uint32(u))
		case 8:
			binary.LittleEndian.PutUint64(out[8*i:], u)
		}
	}
	return out
}
