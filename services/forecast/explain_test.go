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
	"testing"
)

// fakeBuilder serves the explanation engine with a fixed prediction closure
// per series.
type fakeBuilder struct {
	fns map[SeriesID]PredictFunc
}

func (f *fakeBuilder) Name() string { return "fake" }

func (f *fakeBuilder) Build(ctx context.Context, ds *Dataset, errs *RunErrors) (*Output, error) {
	return NewOutput(), nil
}

func (f *fakeBuilder) HasModel(id SeriesID) bool {
	_, ok := f.fns[id]
	return ok
}

func (f *fakeBuilder) Parameters() map[SeriesID]map[string]any { return nil }

func (f *fakeBuilder) PredictFn(id SeriesID) (PredictFunc, error) {
	fn, ok := f.fns[id]
	if !ok {
		return nil, fmt.Errorf("no model for series %q", id)
	}
	return fn, nil
}

// linearPredict predicts 2*feature for the matrix column at index col.
func linearPredict(col int) PredictFunc {
	return func(rows [][]float64) ([]float64, error) {
		out := make([]float64, len(rows))
		for i, row := range rows {
			out[i] = 2 * row[col]
		}
		return out, nil
	}
}

func TestPermutationExplainerLinearModel(t *testing.T) {
	columns := []string{"ds", "promo", "sales"}
	masker := [][]float64{
		{100, 0, 5},
		{200, 1, 6},
		{300, 2, 7},
	}
	// The model reads only the promo column (index 1).
	explainer, err := NewPermutationExplainer(linearPredict(1), masker, columns)
	if err != nil {
		t.Fatalf("NewPermutationExplainer failed: %v", err)
	}

	rows := [][]float64{{400, 4, 8}}
	values, err := explainer.Values(rows)
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}

	// phi_promo = f(x) - mean_z f(x with promo <- z_promo)
	//           = 2*4 - mean(2*0, 2*1, 2*2) = 8 - 2 = 6.
	if got := values[0][1]; math.Abs(got-6) > 1e-12 {
		t.Errorf("promo attribution = %v, want 6", got)
	}
	// Columns the model never reads get zero attribution.
	if got := values[0][0]; got != 0 {
		t.Errorf("ds attribution = %v, want 0", got)
	}
	if got := values[0][2]; got != 0 {
		t.Errorf("target attribution = %v, want 0", got)
	}
}

func TestPermutationExplainerRejectsBadMasker(t *testing.T) {
	if _, err := NewPermutationExplainer(linearPredict(0), nil, []string{"ds"}); err == nil {
		t.Error("expected an error for an empty masker")
	}
	ragged := [][]float64{{1, 2}, {1}}
	if _, err := NewPermutationExplainer(linearPredict(0), ragged, []string{"a", "b"}); err == nil {
		t.Error("expected an error for a ragged masker")
	}
}

func explainTestDataset(t *testing.T) (*Spec, *Dataset) {
	t.Helper()
	spec := testSpec()
	spec.Horizon = 2
	spec.ExplanationsAccuracyMode = AccuracyHigh
	ds, err := ParseDataset(spec, []byte(twoSeriesCSV))
	if err != nil {
		t.Fatalf("ParseDataset failed: %v", err)
	}
	return spec, ds
}

func TestExplainSkipsSeriesWithoutModel(t *testing.T) {
	spec, ds := explainTestDataset(t)
	builder := &fakeBuilder{fns: map[SeriesID]PredictFunc{
		"A": linearPredict(1),
		// series B has no fitted model
	}}

	errs := NewRunErrors()
	engine := NewExplanationEngine(spec, nil)
	global, local := engine.Explain(context.Background(), ds, builder, errs)

	if _, ok := global["A"]; !ok {
		t.Error("series A should have a global explanation")
	}
	if _, ok := global["B"]; ok {
		t.Error("a series without a model must not appear in the global explanation")
	}
	if _, ok := local["B"]; ok {
		t.Error("a series without a model must not appear in the local explanation")
	}
	// Skipping is a warning, not a recoverable failure.
	if _, recorded := errs.Get("B"); recorded {
		t.Error("a skipped series should not be recorded as an error")
	}
}

func TestExplainIsolatesSeriesFailures(t *testing.T) {
	spec, ds := explainTestDataset(t)
	builder := &fakeBuilder{fns: map[SeriesID]PredictFunc{
		"A": linearPredict(1),
		"B": func(rows [][]float64) ([]float64, error) {
			return nil, fmt.Errorf("numerical blow-up")
		},
	}}

	errs := NewRunErrors()
	engine := NewExplanationEngine(spec, nil)
	global, local := engine.Explain(context.Background(), ds, builder, errs)

	if _, ok := global["A"]; !ok {
		t.Error("series A should be unaffected by series B's failure")
	}
	if _, ok := global["B"]; ok {
		t.Error("the failing series must not appear in the results")
	}
	if _, recorded := errs.Get("B"); !recorded {
		t.Error("the failure should be recorded in the accumulator")
	}

	table := local["A"]
	if table == nil {
		t.Fatal("series A should have a local explanation")
	}
	if len(table.Rows) != spec.Horizon {
		t.Errorf("local explanation has %d rows, want the horizon %d", len(table.Rows), spec.Horizon)
	}
	if len(table.Times) != len(table.Rows) {
		t.Error("local explanation rows and times disagree")
	}
}

func TestExplainNonExplainableFamily(t *testing.T) {
	spec, ds := explainTestDataset(t)
	// arimaBuilder does not implement Explainable.
	builder := newARIMABuilder(spec, nil)

	errs := NewRunErrors()
	engine := NewExplanationEngine(spec, nil)
	global, local := engine.Explain(context.Background(), ds, builder, errs)

	if global != nil || local != nil {
		t.Error("a non-explainable family should yield no explanations")
	}
	if !errs.Empty() {
		t.Error("lack of explanation support is not an error")
	}
}

func TestMaskerTailFloor(t *testing.T) {
	frame := &Frame{
		Times:  dayTimes("2024-01-01", 20),
		Target: make([]float64, 20),
	}
	// Ratio 0.1 of 20 rows is 2, floored to minMaskerRows.
	if got := maskerTail(frame, 0.1).Len(); got != minMaskerRows {
		t.Errorf("masker size = %d, want the floor %d", got, minMaskerRows)
	}
	if got := maskerTail(frame, 1.0).Len(); got != 20 {
		t.Errorf("masker size = %d, want all rows", got)
	}
}
