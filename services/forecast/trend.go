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
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aouyang1/go-forecaster/forecast"
	"github.com/aouyang1/go-forecaster/timedataset"
	"gonum.org/v1/gonum/stat"
)

// ModelTrend selects the curve-fitting family: trend plus seasonality
// regression in the style of Prophet.
const ModelTrend = "trend"

func init() {
	registerBuilder(ModelTrend, func(spec *Spec, deps BuilderDeps) ModelBuilder {
		return newTrendBuilder(spec, deps.Log)
	})
}

// minTrendObservations is the shortest training window the family accepts.
const minTrendObservations = 8

// fittedTrend is one series' fitted curve model.
type fittedTrend struct {
	model *forecast.Forecast
	sigma float64
}

type trendBuilder struct {
	spec   *Spec
	log    *slog.Logger
	models map[SeriesID]*fittedTrend
}

func newTrendBuilder(spec *Spec, log *slog.Logger) *trendBuilder {
	if log == nil {
		log = slog.Default()
	}
	return &trendBuilder{spec: spec, log: log, models: make(map[SeriesID]*fittedTrend)}
}

func (b *trendBuilder) Name() string { return ModelTrend }

func (b *trendBuilder) HasModel(id SeriesID) bool {
	_, ok := b.models[id]
	return ok
}

// Build fits one curve model per series over (timestamp, target) pairs with
// NaN targets dropped, then predicts the horizon timestamps.
func (b *trendBuilder) Build(ctx context.Context, ds *Dataset, errs *RunErrors) (*Output, error) {
	out := NewOutput()
	z := confidenceScale(b.spec.ConfidenceIntervalWidth)

	for _, id := range ds.SeriesIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, _ := ds.Frame(id)
		train := frame.DropHorizon(b.spec.Horizon)
		times, values := dropNaNObservations(train.Times, train.Target)
		if len(values) < minTrendObservations {
			b.log.Warn("series too short for trend fitting, skipping",
				"series", string(id), "observations", len(values))
			errs.Record(string(id), fmt.Errorf("series %q has %d observations, need at least %d",
				id, len(values), minTrendObservations))
			continue
		}

		td, err := timedataset.NewUnivariateDataset(times, values)
		if err != nil {
			errs.Record(string(id), fmt.Errorf("failed to build the training dataset: %w", err))
			continue
		}
		model, err := forecast.New(forecast.NewDefaultOptions())
		if err != nil {
			errs.Record(string(id), fmt.Errorf("failed to initialize the trend model: %w", err))
			continue
		}
		if err := model.Fit(td); err != nil {
			b.log.Warn("trend fit failed for series", "series", string(id), "error", err)
			errs.Record(string(id), fmt.Errorf("trend fit failed: %w", err))
			continue
		}

		horizon := horizonTimes(frame, b.spec.Horizon)
		predictions, err := model.Predict(horizon)
		if err != nil {
			b.log.Warn("trend forecast failed for series", "series", string(id), "error", err)
			errs.Record(string(id), fmt.Errorf("trend forecast failed: %w", err))
			continue
		}

		residuals := model.Residuals()
		sigma := residualStdDev(residuals)
		upper, lower := intervalBounds(predictions, sigma, z)
		b.models[id] = &fittedTrend{model: model, sigma: sigma}

		if err := out.Add(id, &SeriesForecast{
			Times:  horizon,
			Values: predictions,
			Upper:  upper,
			Lower:  lower,
			Fitted: fittedFromResiduals(values, residuals),
		}); err != nil {
			return nil, err
		}
	}

	if out.Len() == 0 {
		return nil, fmt.Errorf("trend model building produced no forecasts")
	}
	return out, nil
}

// PredictFn builds the explanation closure for a series: rows carry epoch
// seconds in their first column, which are decoded back to timestamps and
// fed to the fitted model. The fit uses only the time axis, so permutation
// attributions concentrate on the datetime column and the other feature
// columns score zero.
// TODO: feed the feature columns through once go-forecaster accepts
// external regressors.
func (b *trendBuilder) PredictFn(id SeriesID) (PredictFunc, error) {
	entry, ok := b.models[id]
	if !ok {
		return nil, fmt.Errorf("no fitted model for series %q", id)
	}
	return func(rows [][]float64) ([]float64, error) {
		times := make([]time.Time, len(rows))
		for i, row := range rows {
			if len(row) == 0 {
				return nil, fmt.Errorf("explanation row %d is empty", i)
			}
			times[i] = time.Unix(int64(row[0]), 0).UTC()
		}
		return entry.model.Predict(times)
	}, nil
}

func (b *trendBuilder) Parameters() map[SeriesID]map[string]any {
	out := make(map[SeriesID]map[string]any, len(b.models))
	for id, entry := range b.models {
		out[id] = map[string]any{
			"model":          "trend",
			"residual_sigma": entry.sigma,
		}
	}
	return out
}

// dropNaNObservations removes rows whose target is NaN, keeping timestamps
// aligned.
func dropNaNObservations(times []time.Time, values []float64) ([]time.Time, []float64) {
	outTimes := make([]time.Time, 0, len(times))
	outValues := make([]float64, 0, len(values))
	for i := range values {
		if math.IsNaN(values[i]) {
			continue
		}
		outTimes = append(outTimes, times[i])
		outValues = append(outValues, values[i])
	}
	return outTimes, outValues
}

func residualStdDev(residuals []float64) float64 {
	clean := dropNaN(residuals)
	if len(clean) < 2 {
		return 0
	}
	return stat.StdDev(clean, nil)
}

// fittedFromResiduals reconstructs in-sample predictions: fitted = observed
// minus residual.
func fittedFromResiduals(observed, residuals []float64) []float64 {
	if len(residuals) != len(observed) {
		return nil
	}
	fitted := make([]float64, len(observed))
	for i := range observed {
		fitted[i] = observed[i] - residuals[i]
	}
	return fitted
}
