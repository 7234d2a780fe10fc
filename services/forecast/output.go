// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forecast

import (
	"fmt"
	"time"
)

// ForecastColumn is the canonical name of the point-forecast column in every
// produced table and CSV.
const ForecastColumn = "yhat"

// SeriesForecast is one series' forecast over the horizon. Times, Values,
// Upper, and Lower share the same length. Fitted optionally carries in-sample
// one-step predictions aligned to the tail of the training window; training
// metrics are computed from it when present.
type SeriesForecast struct {
	Times  []time.Time
	Values []float64
	Upper  []float64
	Lower  []float64
	Fitted []float64
}

// Len returns the number of forecast steps.
func (f *SeriesForecast) Len() int { return len(f.Times) }

// Output collects the per-series forecasts of a run. Entries are append-only:
// once a series is added it is never replaced, which keeps the SeriesID
// domain stable for the metrics, explanation, and report stages.
type Output struct {
	order     []SeriesID
	forecasts map[SeriesID]*SeriesForecast
}

// NewOutput returns an empty forecast output.
func NewOutput() *Output {
	return &Output{forecasts: make(map[SeriesID]*SeriesForecast)}
}

// Add records the forecast for a series. Adding the same series twice is a
// programming error in the model builder and is rejected.
func (o *Output) Add(id SeriesID, fc *SeriesForecast) error {
	if _, exists := o.forecasts[id]; exists {
		return fmt.Errorf("forecast for series %q already recorded", id)
	}
	o.order = append(o.order, id)
	o.forecasts[id] = fc
	return nil
}

// SeriesIDs returns the series with forecasts, in insertion order.
func (o *Output) SeriesIDs() []SeriesID { return o.order }

// Forecast returns one series' forecast, if present.
func (o *Output) Forecast(id SeriesID) (*SeriesForecast, bool) {
	fc, ok := o.forecasts[id]
	return fc, ok
}

// Len returns the number of series with forecasts.
func (o *Output) Len() int { return len(o.order) }
