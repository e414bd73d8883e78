// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// LoadCSV reads a classification dataset from a CSV file with a header. The column labelColumn holds the
// class ids (non-negative integers), all other columns are numeric features.
func LoadCSV(r io.Reader, name, labelColumn string) (*Dataset, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "reading CSV dataset %q", name)
	}
	names := df.Names()
	if !slices.Contains(names, labelColumn) {
		return nil, errors.Errorf("CSV dataset %q has no label column %q, columns are %s",
			name, labelColumn, strings.Join(names, ", "))
	}
	numExamples := df.Nrow()
	ds := &Dataset{
		Name:        name,
		Inputs:      make([][]float64, numExamples),
		Labels:      make([]int, numExamples),
		NumFeatures: len(names) - 1,
	}
	for i := range ds.Inputs {
		ds.Inputs[i] = make([]float64, ds.NumFeatures)
	}
	featureIdx := 0
	for _, column := range names {
		values := df.Col(column).Float()
		if column == labelColumn {
			for i, v := range values {
				if math.IsNaN(v) || v < 0 || v != math.Trunc(v) {
					return nil, errors.Errorf("CSV dataset %q row %d: invalid label %v", name, i, v)
				}
				ds.Labels[i] = int(v)
				ds.NumClasses = max(ds.NumClasses, int(v)+1)
			}
			continue
		}
		for i, v := range values {
			if math.IsNaN(v) {
				return nil, errors.Errorf("CSV dataset %q row %d: column %q is not numeric", name, i, column)
			}
			ds.Inputs[i][featureIdx] = v
		}
		featureIdx++
	}
	return ds, nil
}

// LoadCSVFile is like LoadCSV, but reads from a file. The dataset is named after the file.
func LoadCSVFile(path, labelColumn string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening CSV dataset")
	}
	defer func() { _ = f.Close() }()
	return LoadCSV(f, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), labelColumn)
}
