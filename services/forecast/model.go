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
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/AleutianForecast/pkg/storage"
)

// PredictFunc is the prediction closure handed to the permutation explainer.
// Rows follow the Frame.Matrix layout: epoch seconds first, then the extra
// features, then the target column.
type PredictFunc func(rows [][]float64) ([]float64, error)

// ModelBuilder is the per-model-family capability the orchestrator delegates
// model building to. The orchestrator knows nothing about model internals.
type ModelBuilder interface {
	// Name returns the family selector this builder answers to.
	Name() string

	// Build fits one model per series and returns the combined forecast
	// output. A single series failing to fit is recoverable: it is recorded
	// in errs and skipped. Build fails only when no series could be fitted
	// or the input is unusable.
	Build(ctx context.Context, ds *Dataset, errs *RunErrors) (*Output, error)

	// HasModel reports whether a fitted model exists for the series.
	HasModel(id SeriesID) bool

	// Parameters exports the fitted hyperparameters per series.
	Parameters() map[SeriesID]map[string]any
}

// Explainable is implemented by families whose fitted models can serve the
// explanation engine's prediction closure.
type Explainable interface {
	PredictFn(id SeriesID) (PredictFunc, error)
}

// Stateful is implemented by families that can export fitted state for a
// later run to warm-start from.
type Stateful interface {
	State() *ModelState
	Restore(state *ModelState)
}

// ModelState is the serializable model snapshot written as the model-state
// artifact and optionally loaded from a previous output directory.
type ModelState struct {
	Family string
	Series map[SeriesID]map[string]float64
}

// BuilderDeps carries the shared collaborators a family may need. The store
// is used by auto-select to persist its backtest table.
type BuilderDeps struct {
	Store storage.Store
	Log   *slog.Logger
}

// BuilderFactory constructs a family's builder from the run spec.
type BuilderFactory func(spec *Spec, deps BuilderDeps) ModelBuilder

var builderRegistry = map[string]BuilderFactory{}

func registerBuilder(name string, factory BuilderFactory) {
	builderRegistry[name] = factory
}

// SupportedModels lists the registered family selectors, plus auto-select.
func SupportedModels() []string {
	names := make([]string, 0, len(builderRegistry)+1)
	for name := range builderRegistry {
		names = append(names, name)
	}
	names = append(names, ModelAutoSelect)
	sort.Strings(names)
	return names
}

// NewModelBuilder resolves the spec's model selector to a builder. The
// special auto-select selector backtests every registered family.
func NewModelBuilder(spec *Spec, deps BuilderDeps) (ModelBuilder, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if spec.Model == ModelAutoSelect {
		return newAutoSelectBuilder(spec, deps), nil
	}
	selector := spec.Model
	// Order selection is always automatic, so auto_arima means arima.
	if selector == "auto_arima" {
		selector = ModelARIMA
	}
	factory, ok := builderRegistry[selector]
	if !ok {
		return nil, fmt.Errorf("unknown model family %q, supported: %v", spec.Model, SupportedModels())
	}
	return factory(spec, deps), nil
}

// confidenceScale converts the configured interval width to the normal
// quantile multiplier applied to the forecast error estimate.
func confidenceScale(width float64) float64 {
	return distuv.Normal{Mu: 0, Sigma: 1}.Quantile(0.5 + width/2)
}

// residualSigma estimates the one-step forecast error from the first
// differences of the training values, the random-walk approximation used
// when a family exposes no residuals of its own.
func residualSigma(values []float64) float64 {
	var diffs []float64
	for i := 1; i < len(values); i++ {
		if math.IsNaN(values[i]) || math.IsNaN(values[i-1]) {
			continue
		}
		diffs = append(diffs, values[i]-values[i-1])
	}
	if len(diffs) < 2 {
		return 0
	}
	return stat.StdDev(diffs, nil)
}

// intervalBounds derives upper/lower bands from a per-step sigma that widens
// with the square root of the step index.
func intervalBounds(values []float64, sigma, z float64) (upper, lower []float64) {
	upper = make([]float64, len(values))
	lower = make([]float64, len(values))
	for i, v := range values {
		margin := z * sigma * math.Sqrt(float64(i+1))
		upper[i] = v + margin
		lower[i] = v - margin
	}
	return upper, lower
}

// horizonTimes returns the forecast timestamps for a series. The historical
// input carries the horizon window as its trailing rows (future timestamps
// with an empty target), mirroring how every other stage slices the last
// horizon rows.
func horizonTimes(frame *Frame, h int) []time.Time {
	return frame.TailHorizon(h).Times
}

// dropNaN removes NaN entries, keeping order.
func dropNaN(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// BacktestStats is the per-family backtest score table produced in
// auto-select mode and echoed in the report. Rows are backtest folds,
// columns are family selectors.
type BacktestStats struct {
	Families []string
	Scores   [][]float64
}

// backtestIndexColumn names the fold-index column excluded from best-model
// selection.
const backtestIndexColumn = "backtest"

// BestModel returns the family with the lowest mean score.
func (b *BacktestStats) BestModel() string {
	best := ""
	bestMean := math.Inf(1)
	for ci, family := range b.Families {
		var scores []float64
		for _, row := range b.Scores {
			if ci < len(row) && !math.IsNaN(row[ci]) {
				scores = append(scores, row[ci])
			}
		}
		if len(scores) == 0 {
			continue
		}
		if m := stat.Mean(scores, nil); m < bestMean {
			bestMean = m
			best = family
		}
	}
	return best
}

// MeanScores returns the per-family mean score keyed by family name.
func (b *BacktestStats) MeanScores() map[string]float64 {
	out := make(map[string]float64, len(b.Families))
	for ci, family := range b.Families {
		var scores []float64
		for _, row := range b.Scores {
			if ci < len(row) && !math.IsNaN(row[ci]) {
				scores = append(scores, row[ci])
			}
		}
		if len(scores) > 0 {
			out[family] = stat.Mean(scores, nil)
		}
	}
	return out
}

// CSV renders the table with a leading backtest index column.
func (b *BacktestStats) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := append([]string{backtestIndexColumn}, b.Families...)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for i, row := range b.Scores {
		rec := make([]string, 0, len(row)+1)
		rec = append(rec, strconv.Itoa(i))
		for _, v := range row {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ParseBacktestStats reads the table back, dropping the backtest index
// column.
func ParseBacktestStats(data []byte) (*BacktestStats, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read the backtest stats: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("backtest stats table is empty")
	}
	header := records[0]
	skip := -1
	var families []string
	for i, name := range header {
		if name == backtestIndexColumn {
			skip = i
			continue
		}
		families = append(families, name)
	}
	stats := &BacktestStats{Families: families}
	for _, rec := range records[1:] {
		row := make([]float64, 0, len(families))
		for i, cell := range rec {
			if i == skip {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				v = math.NaN()
			}
			row = append(row, v)
		}
		stats.Scores = append(stats.Scores, row)
	}
	return stats, nil
}
