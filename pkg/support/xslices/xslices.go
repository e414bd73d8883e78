// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices holds the small slice helpers used across the benchmark: generic means and sums
// for metrics, index ranges for partitioning, and a list flag for the command line.
package xslices

import (
	"flag"
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// Number is any integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Iota returns a slice of incremental values, starting with start and of length n.
// E.g.: Iota(3, 2) -> []int{3, 4}
func Iota[T Number](start T, n int) []T {
	slice := make([]T, n)
	for i := range slice {
		slice[i] = start + T(i)
	}
	return slice
}

// Map applies fn to each element of in, and returns the mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for i, e := range in {
		out[i] = fn(e)
	}
	return out
}

// Sum of the values, accumulated as float64.
func Sum[T Number](values []T) float64 {
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean[T Number](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	return Sum(values) / float64(len(values))
}

// Last element of the slice. It panics if the slice is empty.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Flag defines a comma-separated list flag with the given name, default value and usage, on the
// default flag.CommandLine. The parser converts each element.
func Flag[T any](name string, defaultValue []T, usage string, parserFn func(s string) (T, error)) *[]T {
	f := &listFlag[T]{values: defaultValue, parserFn: parserFn}
	flag.Var(f, name, usage)
	return &f.values
}

type listFlag[T any] struct {
	values   []T
	parserFn func(s string) (T, error)
}

// String implements flag.Value.
func (f *listFlag[T]) String() string {
	if f == nil || len(f.values) == 0 {
		return ""
	}
	return strings.Join(Map(f.values, func(v T) string { return fmt.Sprint(v) }), ",")
}

// Set implements flag.Value.
func (f *listFlag[T]) Set(list string) error {
	f.values = f.values[:0:0]
	if strings.TrimSpace(list) == "" {
		return nil
	}
	for _, part := range strings.Split(list, ",") {
		v, err := f.parserFn(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		f.values = append(f.values, v)
	}
	return nil
}
