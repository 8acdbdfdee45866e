// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package anomaly

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/gonum/stat"
)

// Scores are the anomaly scores of the images of a dataset, in the order of the flattened dataset.
// Higher scores are more anomalous.
type Scores []float64

// Summary of the distribution of the scores.
type Summary struct {
	Count              int
	Mean, StdDev       float64
	Min, Max           float64
	Median, Quantile95 float64
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("count=%d mean=%.6g std=%.6g min=%.6g median=%.6g p95=%.6g max=%.6g",
		s.Count, s.Mean, s.StdDev, s.Min, s.Median, s.Quantile95, s.Max)
}

// sorted returns a sorted copy of the scores.
func (s Scores) sorted() []float64 {
	values := slices.Clone(s)
	slices.Sort(values)
	return values
}

// Summary returns the statistics of the scores. All values are NaN if there are no scores.
func (s Scores) Summary() Summary {
	if len(s) == 0 {
		nan := math.NaN()
		return Summary{Mean: nan, StdDev: nan, Min: nan, Max: nan, Median: nan, Quantile95: nan}
	}
	values := s.sorted()
	summary := Summary{
		Count:      len(values),
		Min:        values[0],
		Max:        values[len(values)-1],
		Median:     stat.Quantile(0.5, stat.Empirical, values, nil),
		Quantile95: stat.Quantile(0.95, stat.Empirical, values, nil),
	}
	summary.Mean, summary.StdDev = stat.PopMeanStdDev(values, nil)
	return summary
}

// Threshold returns the empirical quantile q, in [0, 1], of the scores.
func (s Scores) Threshold(q float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return stat.Quantile(min(max(q, 0), 1), stat.Empirical, s.sorted(), nil)
}

// Outliers returns, in increasing order, the indices of the images whose score is strictly above
// the empirical quantile q of the scores. E.g.: Outliers(0.95) returns roughly 5% of the images.
func (s Scores) Outliers(q float64) []int {
	if len(s) == 0 {
		return nil
	}
	threshold := s.Threshold(q)
	var indices []int
	for ii, score := range s {
		if score > threshold {
			indices = append(indices, ii)
		}
	}
	return indices
}

// Tensor returns the scores as a 1-D tensor.
func (s Scores) Tensor() *tensors.Tensor {
	values := make([]float32, len(s))
	for ii, score := range s {
		values[ii] = float32(score)
	}
	return tensors.FromFlatDataAndDimensions(values, len(values))
}
