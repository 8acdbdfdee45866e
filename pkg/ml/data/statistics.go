// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Statistics of the pixel values of a dataset.
type Statistics struct {
	Mean, StdDev float64
	Min, Max     float64
	Count        int
}

// OutsideTanhRange returns whether any pixel falls outside (-1, 1), the range of the decoder output:
// such pixels can never be reconstructed exactly.
func (s Statistics) OutsideTanhRange() bool {
	return s.Min <= -1 || s.Max >= 1
}

// ComputeStatistics of the pixel values of all images of the dataset.
func ComputeStatistics(ds *Grouped) Statistics {
	values := ds.Values()
	pixels := make([]float64, len(values))
	s := Statistics{Min: math.Inf(1), Max: math.Inf(-1), Count: len(values)}
	for ii, v := range values {
		pixels[ii] = float64(v)
		s.Min = min(s.Min, pixels[ii])
		s.Max = max(s.Max, pixels[ii])
	}
	if len(pixels) == 0 {
		return Statistics{Mean: math.NaN(), StdDev: math.NaN(), Min: math.NaN(), Max: math.NaN()}
	}
	s.Mean, s.StdDev = stat.PopMeanStdDev(pixels, nil)
	return s
}
