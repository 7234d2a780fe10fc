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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// explainWorkers bounds per-series explanation parallelism. Series are
// independent; a worker failure is recorded for its own series only.
const explainWorkers = 4

// GlobalExplanation maps each series to its per-feature importance: the
// mean absolute attribution across the masker sample.
type GlobalExplanation map[SeriesID]map[string]float64

// AttributionTable is a per-timestamp attribution matrix for one series.
// Rows align with Times; columns align with Columns.
type AttributionTable struct {
	Columns []string
	Times   []time.Time
	Rows    [][]float64
}

// LocalExplanation maps each series to the attribution of its horizon
// window.
type LocalExplanation map[SeriesID]*AttributionTable

// PermutationExplainer estimates per-feature attribution by replacing one
// feature at a time with values drawn from a masker dataset and measuring
// the shift in the model's prediction. The masker predictions are computed
// once at construction and reused for every subsequent attribution call.
type PermutationExplainer struct {
	predict    PredictFunc
	masker     [][]float64
	columns    []string
	maskerPred []float64
}

// NewPermutationExplainer builds an explainer over a prediction closure and
// a masker sample. The masker must be non-empty and rectangular.
func NewPermutationExplainer(predict PredictFunc, masker [][]float64, columns []string) (*PermutationExplainer, error) {
	if len(masker) == 0 {
		return nil, fmt.Errorf("masker dataset is empty")
	}
	for i, row := range masker {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("masker row %d has %d columns, want %d", i, len(row), len(columns))
		}
	}
	maskerPred, err := predict(masker)
	if err != nil {
		return nil, fmt.Errorf("failed to predict over the masker dataset: %w", err)
	}
	return &PermutationExplainer{
		predict:    predict,
		masker:     masker,
		columns:    columns,
		maskerPred: maskerPred,
	}, nil
}

// Values computes the attribution matrix for the given rows: one row per
// input row, one column per feature. The attribution of feature j on row i
// is the prediction on row i minus the mean prediction with column j
// replaced by each masker value in turn.
func (e *PermutationExplainer) Values(rows [][]float64) ([][]float64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	base, err := e.predict(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to predict over the explanation rows: %w", err)
	}
	if len(base) != len(rows) {
		return nil, fmt.Errorf("prediction returned %d values for %d rows", len(base), len(rows))
	}

	out := make([][]float64, len(rows))
	for i := range out {
		out[i] = make([]float64, len(e.columns))
	}

	for j := range e.columns {
		// One batched prediction per feature: every input row crossed with
		// every masker replacement value.
		mutated := make([][]float64, 0, len(rows)*len(e.masker))
		for _, row := range rows {
			for _, mrow := range e.masker {
				clone := append([]float64(nil), row...)
				clone[j] = mrow[j]
				mutated = append(mutated, clone)
			}
		}
		preds, err := e.predict(mutated)
		if err != nil {
			return nil, fmt.Errorf("failed to predict permutations of column %q: %w", e.columns[j], err)
		}
		if len(preds) != len(mutated) {
			return nil, fmt.Errorf("permutation prediction returned %d values for %d rows", len(preds), len(mutated))
		}
		for i := range rows {
			segment := preds[i*len(e.masker) : (i+1)*len(e.masker)]
			out[i][j] = base[i] - stat.Mean(segment, nil)
		}
	}
	return out, nil
}

// ExplanationEngine computes global and local attributions per series over a
// down-sampled tail of each series' training data.
type ExplanationEngine struct {
	spec *Spec
	log  *slog.Logger
}

// NewExplanationEngine returns an engine for the run's spec.
func NewExplanationEngine(spec *Spec, log *slog.Logger) *ExplanationEngine {
	if log == nil {
		log = slog.Default()
	}
	return &ExplanationEngine{spec: spec, log: log}
}

// Explain computes explanations for every series with a fitted model. A
// series without a model, or whose explanation fails, is skipped with a
// warning and an errs entry; all other series are unaffected. Workers run
// with bounded parallelism since series are independent.
func (e *ExplanationEngine) Explain(ctx context.Context, ds *Dataset, builder ModelBuilder, errs *RunErrors) (GlobalExplanation, LocalExplanation) {
	explainable, ok := builder.(Explainable)
	if !ok {
		e.log.Warn("model family does not support explanations", "family", builder.Name())
		return nil, nil
	}

	e.log.Info("calculating explanations", "mode", string(e.spec.ExplanationsAccuracyMode))
	start := time.Now()

	global := make(GlobalExplanation)
	local := make(LocalExplanation)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(explainWorkers)
	for _, id := range ds.SeriesIDs() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return nil
			}
			if !builder.HasModel(id) {
				e.log.Warn("skipping explanations, no forecast was generated for series", "series", string(id))
				return nil
			}
			seriesGlobal, seriesLocal, err := e.explainSeries(ds, explainable, id)
			if err != nil {
				e.log.Warn("explanation generation failed for series", "series", string(id), "error", err)
				errs.Record(string(id), fmt.Errorf("explanation generation failed: %w", err))
				return nil
			}
			if seriesGlobal == nil {
				return nil
			}
			mu.Lock()
			global[id] = seriesGlobal
			local[id] = seriesLocal
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; failures land in errs per series.
	_ = g.Wait()

	e.log.Info("explanations generation completed",
		"series", len(global), "elapsed", time.Since(start).String())
	return global, local
}

func (e *ExplanationEngine) explainSeries(ds *Dataset, explainable Explainable, id SeriesID) (map[string]float64, *AttributionTable, error) {
	frame, ok := ds.Frame(id)
	if !ok {
		return nil, nil, fmt.Errorf("no data for series %q", id)
	}
	predictFn, err := explainable.PredictFn(id)
	if err != nil {
		return nil, nil, err
	}

	hist := frame.DropHorizon(e.spec.Horizon)
	tail := maskerTail(hist, e.spec.MaskerRatio())
	if tail.Len() == 0 {
		return nil, nil, fmt.Errorf("series %q has no training rows to explain", id)
	}

	columns := frame.FeatureColumns(e.spec.DatetimeColumn.Name, e.spec.TargetColumn)
	explainer, err := NewPermutationExplainer(predictFn, tail.Matrix(), columns)
	if err != nil {
		return nil, nil, err
	}

	values, err := explainer.Values(tail.Matrix())
	if err != nil {
		return nil, nil, err
	}
	if len(values) == 0 {
		e.log.Warn("no explanations generated, ensure additional data has been provided", "series", string(id))
		return nil, nil, nil
	}

	// Global importance: mean absolute attribution per feature, skipping
	// the leading datetime column.
	seriesGlobal := make(map[string]float64, len(columns)-1)
	for j := 1; j < len(columns); j++ {
		col := make([]float64, len(values))
		for i := range values {
			col[i] = math.Abs(values[i][j])
		}
		seriesGlobal[columns[j]] = floats.Sum(col) / float64(len(col))
	}

	// Local attribution over the horizon window, reusing the explainer's
	// masker predictions rather than rebuilding it.
	horizon := frame.TailHorizon(e.spec.Horizon)
	localValues, err := explainer.Values(horizon.Matrix())
	if err != nil {
		return nil, nil, fmt.Errorf("local explanation failed: %w", err)
	}
	seriesLocal := &AttributionTable{
		Columns: columns,
		Times:   horizon.Times,
		Rows:    localValues,
	}
	return seriesGlobal, seriesLocal, nil
}

// maskerTail selects the trailing ratio fraction of the training frame,
// floored at minMaskerRows.
func maskerTail(hist *Frame, ratio float64) *Frame {
	n := int(float64(hist.Len()) * ratio)
	if n < minMaskerRows {
		n = minMaskerRows
	}
	return hist.TailHorizon(n)
}
