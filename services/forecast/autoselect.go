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
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// backtestFolds is the number of rolling-origin evaluation windows used to
// rank the candidate families.
const backtestFolds = 3

// autoSelectBuilder backtests every registered family on rolling-origin
// holdout windows, persists the score table, and delegates the real build to
// the family with the lowest mean sMAPE.
type autoSelectBuilder struct {
	spec     *Spec
	deps     BuilderDeps
	prior    *ModelState
	delegate ModelBuilder
	stats    *BacktestStats
}

func newAutoSelectBuilder(spec *Spec, deps BuilderDeps) *autoSelectBuilder {
	return &autoSelectBuilder{spec: spec, deps: deps}
}

func (b *autoSelectBuilder) Name() string { return ModelAutoSelect }

func (b *autoSelectBuilder) HasModel(id SeriesID) bool {
	return b.delegate != nil && b.delegate.HasModel(id)
}

func (b *autoSelectBuilder) Parameters() map[SeriesID]map[string]any {
	if b.delegate == nil {
		return nil
	}
	return b.delegate.Parameters()
}

// PredictFn forwards to the selected family when it supports explanations.
func (b *autoSelectBuilder) PredictFn(id SeriesID) (PredictFunc, error) {
	explainable, ok := b.delegate.(Explainable)
	if !ok {
		return nil, fmt.Errorf("the selected model family %q does not support explanations", b.delegate.Name())
	}
	return explainable.PredictFn(id)
}

func (b *autoSelectBuilder) State() *ModelState {
	stateful, ok := b.delegate.(Stateful)
	if !ok {
		return nil
	}
	return stateful.State()
}

func (b *autoSelectBuilder) Restore(state *ModelState) { b.prior = state }

// Build runs the backtest, writes the stats table, then builds with the
// winning family. A failure writing the table is recoverable; a failure of
// the winner's build is fatal, matching a direct family selection.
func (b *autoSelectBuilder) Build(ctx context.Context, ds *Dataset, errs *RunErrors) (*Output, error) {
	stats, err := b.backtest(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("auto-select backtest failed: %w", err)
	}
	b.stats = stats

	if data, err := stats.CSV(); err != nil {
		errs.Record(ModelAutoSelect, fmt.Errorf("failed to render the backtest stats: %w", err))
	} else if err := b.deps.Store.Write(ctx, BacktestStatsFile, data); err != nil {
		b.deps.Log.Warn("failed to persist the backtest stats", "error", err)
		errs.Record(ModelAutoSelect, fmt.Errorf("failed to persist the backtest stats: %w", err))
	}

	winner := stats.BestModel()
	if winner == "" {
		return nil, fmt.Errorf("auto-select could not rank any model family")
	}
	b.deps.Log.Info("auto-select picked the best performing family",
		"family", winner, "mean_scores", stats.MeanScores())

	b.delegate = builderRegistry[winner](b.spec, b.deps)
	if b.prior != nil {
		if stateful, ok := b.delegate.(Stateful); ok && b.prior.Family == winner {
			stateful.Restore(b.prior)
		}
	}
	return b.delegate.Build(ctx, ds, errs)
}

// backtest evaluates every family on up to backtestFolds rolling-origin
// windows carved out of the historical data (the horizon tail excluded).
// Each cell is the family's mean sMAPE across series for that fold.
func (b *autoSelectBuilder) backtest(ctx context.Context, ds *Dataset) (*BacktestStats, error) {
	families := make([]string, 0, len(builderRegistry))
	for name := range builderRegistry {
		families = append(families, name)
	}
	sort.Strings(families)

	h := b.spec.Horizon
	var scores [][]float64
	for fold := 0; fold < backtestFolds; fold++ {
		window, ok := b.foldDataset(ds, fold)
		if !ok {
			break
		}
		row := make([]float64, len(families))
		for fi, family := range families {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			row[fi] = b.scoreFamily(ctx, family, window, h)
		}
		scores = append(scores, row)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("not enough history for any backtest fold (horizon %d)", h)
	}
	return &BacktestStats{Families: families, Scores: scores}, nil
}

// foldDataset slices every series so that its trailing horizon rows hold
// known targets from the history, shifted back one horizon per fold. Fold 0
// is the most recent window.
func (b *autoSelectBuilder) foldDataset(ds *Dataset, fold int) (*Dataset, bool) {
	h := b.spec.Horizon
	window := &Dataset{
		frames:   make(map[SeriesID]*Frame),
		encoders: make(map[SeriesID]*LabelEncoder),
	}
	for _, id := range ds.SeriesIDs() {
		frame, _ := ds.Frame(id)
		hist := frame.DropHorizon(h)
		end := hist.Len() - fold*h
		if end-h < minTrendObservations {
			continue
		}
		window.order = append(window.order, id)
		window.frames[id] = hist.Slice(0, end)
		window.encoders[id] = ds.Encoder(id)
	}
	if len(window.order) == 0 {
		return nil, false
	}
	return window, true
}

// scoreFamily fits one family on a fold window and scores its forecasts
// against the window's held-out tail. Families that fail score NaN.
func (b *autoSelectBuilder) scoreFamily(ctx context.Context, family string, window *Dataset, h int) float64 {
	builder := builderRegistry[family](b.spec, b.deps)
	scratch := NewRunErrors()
	out, err := builder.Build(ctx, window, scratch)
	if err != nil {
		b.deps.Log.Warn("family failed during backtesting", "family", family, "error", err)
		return math.NaN()
	}

	var seriesScores []float64
	for _, id := range out.SeriesIDs() {
		frame, _ := window.Frame(id)
		fc, _ := out.Forecast(id)
		yTrue := lastN(frame.Target, h)
		yPred := lastN(fc.Values, h)
		yTrue, yPred = dropNaNPairs(yTrue, yPred)
		if len(yTrue) == 0 {
			continue
		}
		seriesScores = append(seriesScores, smape(yTrue, yPred))
	}
	if len(seriesScores) == 0 {
		return math.NaN()
	}
	return stat.Mean(seriesScores, nil)
}

// Stats exposes the backtest table computed during Build, for the report.
func (b *autoSelectBuilder) Stats() *BacktestStats { return b.stats }
