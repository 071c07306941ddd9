// Package ml loads detection models and the numeric runtimes they run on.
package ml

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Runtime is a numeric backend that must be initialized before models are loaded on it.
type Runtime interface {
	Name() string
	// Ready initializes the runtime. It is safe to call more than once.
	Ready(ctx context.Context) error
	Close(ctx context.Context) error
}

// NoRuntime is the runtime of models that need no numeric backend.
type NoRuntime struct{}

// Name returns "none".
func (NoRuntime) Name() string { return "none" }

// Ready does nothing.
func (NoRuntime) Ready(ctx context.Context) error { return nil }

// Close does nothing.
func (NoRuntime) Close(ctx context.Context) error { return nil }

// number interface for converting between numbers.
type number interface {
	constraints.Integer | constraints.Float
}

// convertNumberSlice converts any number slice into another number slice.
func convertNumberSlice[T1, T2 number](t1 []T1) []T2 {
	t2 := make([]T2, len(t1))
	for i := range t1 {
		t2[i] = T2(t1[i])
	}
	return t2
}

// ToFloat64s converts the data of an output tensor into a []float64.
func ToFloat64s(slice interface{}) ([]float64, error) {
	switch v := slice.(type) {
	case []float64:
		return v, nil
	case []float32:
		return convertNumberSlice[float32, float64](v), nil
	case []int:
		return convertNumberSlice[int, float64](v), nil
	case []int8:
		return convertNumberSlice[int8, float64](v), nil
	case []int16:
		return convertNumberSlice[int16, float64](v), nil
	case []int32:
		return convertNumberSlice[int32, float64](v), nil
	case []int64:
		return convertNumberSlice[int64, float64](v), nil
	case []uint8:
		return convertNumberSlice[uint8, float64](v), nil
	case []uint16:
		return convertNumberSlice[uint16, float64](v), nil
	case []uint32:
		return convertNumberSlice[uint32, float64](v), nil
	case []uint64:
		return convertNumberSlice[uint64, float64](v), nil
	default:
		return nil, errors.Errorf("dont know how to convert slice of %T into a []float64", slice)
	}
}
