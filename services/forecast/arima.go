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

	"github.com/sartorproj/goarima/arima"
	"github.com/sartorproj/goarima/autoarima"
	"github.com/sartorproj/goarima/timeseries"
)

// ModelARIMA selects the ARIMA family with automatic order selection.
const ModelARIMA = "arima"

func init() {
	registerBuilder(ModelARIMA, func(spec *Spec, deps BuilderDeps) ModelBuilder {
		return newARIMABuilder(spec, deps.Log)
	})
}

// minARIMAObservations is the shortest training window the family accepts.
const minARIMAObservations = 10

// fittedARIMA is one series' fitted model plus the order it settled on.
type fittedARIMA struct {
	predict func(steps int) ([]float64, error)
	p, d, q int
	aicc    float64
	sigma   float64
}

type arimaBuilder struct {
	spec   *Spec
	log    *slog.Logger
	models map[SeriesID]*fittedARIMA
	prior  *ModelState
}

func newARIMABuilder(spec *Spec, log *slog.Logger) *arimaBuilder {
	if log == nil {
		log = slog.Default()
	}
	return &arimaBuilder{spec: spec, log: log, models: make(map[SeriesID]*fittedARIMA)}
}

func (b *arimaBuilder) Name() string { return ModelARIMA }

func (b *arimaBuilder) HasModel(id SeriesID) bool {
	_, ok := b.models[id]
	return ok
}

// Build fits one ARIMA model per series. Orders come from Auto-ARIMA unless
// a previous run's state supplies them, in which case the search is skipped
// and the stored order is refitted directly.
func (b *arimaBuilder) Build(ctx context.Context, ds *Dataset, errs *RunErrors) (*Output, error) {
	out := NewOutput()
	z := confidenceScale(b.spec.ConfidenceIntervalWidth)

	for _, id := range ds.SeriesIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, _ := ds.Frame(id)
		train := frame.DropHorizon(b.spec.Horizon)
		values := dropNaN(train.Target)
		if len(values) < minARIMAObservations {
			b.log.Warn("series too short for ARIMA fitting, skipping",
				"series", string(id), "observations", len(values))
			errs.Record(string(id), fmt.Errorf("series %q has %d observations, need at least %d",
				id, len(values), minARIMAObservations))
			continue
		}

		fitted, err := b.fitSeries(id, values)
		if err != nil {
			b.log.Warn("ARIMA fit failed for series", "series", string(id), "error", err)
			errs.Record(string(id), fmt.Errorf("ARIMA fit failed: %w", err))
			continue
		}

		forecasts, err := fitted.predict(b.spec.Horizon)
		if err != nil {
			b.log.Warn("ARIMA forecast failed for series", "series", string(id), "error", err)
			errs.Record(string(id), fmt.Errorf("ARIMA forecast failed: %w", err))
			continue
		}

		fitted.sigma = residualSigma(values)
		upper, lower := intervalBounds(forecasts, fitted.sigma, z)
		b.models[id] = fitted

		if err := out.Add(id, &SeriesForecast{
			Times:  horizonTimes(frame, b.spec.Horizon),
			Values: forecasts,
			Upper:  upper,
			Lower:  lower,
		}); err != nil {
			return nil, err
		}
	}

	if out.Len() == 0 {
		return nil, fmt.Errorf("ARIMA model building produced no forecasts")
	}
	return out, nil
}

func (b *arimaBuilder) fitSeries(id SeriesID, values []float64) (*fittedARIMA, error) {
	series := timeseries.New(values)

	if order, ok := b.priorOrder(id); ok {
		model := arima.New(order[0], order[1], order[2])
		if err := model.Fit(series); err != nil {
			return nil, fmt.Errorf("refit of stored order (%d,%d,%d) failed: %w",
				order[0], order[1], order[2], err)
		}
		b.log.Debug("refitted ARIMA from previous run state",
			"series", string(id), "p", order[0], "d", order[1], "q", order[2])
		return &fittedARIMA{
			predict: model.Predict,
			p:       order[0], d: order[1], q: order[2],
			aicc: model.AICc,
		}, nil
	}

	cfg := autoarima.DefaultConfig()
	cfg.MaxP, cfg.MaxQ = 3, 3
	cfg.Criterion = "aicc"
	cfg.AutoSeasonal = false
	cfg.CompareModels = false
	auto, err := autoarima.AutoARIMA(series, cfg)
	if err != nil {
		return nil, fmt.Errorf("auto order selection failed: %w", err)
	}
	if auto.Model == nil {
		return nil, fmt.Errorf("auto order selection produced no model")
	}
	return &fittedARIMA{
		predict: auto.Predict,
		p:       auto.P, d: auto.D, q: auto.Q,
		aicc: auto.AICc,
	}, nil
}

func (b *arimaBuilder) priorOrder(id SeriesID) ([3]int, bool) {
	if b.prior == nil || b.prior.Family != ModelARIMA {
		return [3]int{}, false
	}
	params, ok := b.prior.Series[id]
	if !ok {
		return [3]int{}, false
	}
	p, okP := params["p"]
	d, okD := params["d"]
	q, okQ := params["q"]
	if !okP || !okD || !okQ {
		return [3]int{}, false
	}
	return [3]int{int(p), int(d), int(q)}, true
}

func (b *arimaBuilder) Parameters() map[SeriesID]map[string]any {
	out := make(map[SeriesID]map[string]any, len(b.models))
	for id, m := range b.models {
		out[id] = map[string]any{
			"model": "ARIMA",
			"p":     m.p,
			"d":     m.d,
			"q":     m.q,
			"aicc":  m.aicc,
		}
	}
	return out
}

func (b *arimaBuilder) State() *ModelState {
	state := &ModelState{Family: ModelARIMA, Series: make(map[SeriesID]map[string]float64, len(b.models))}
	for id, m := range b.models {
		state.Series[id] = map[string]float64{
			"p": float64(m.p),
			"d": float64(m.d),
			"q": float64(m.q),
		}
	}
	return state
}

func (b *arimaBuilder) Restore(state *ModelState) { b.prior = state }
