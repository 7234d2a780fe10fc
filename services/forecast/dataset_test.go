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
	"math"
	"testing"
)

func testSpec() *Spec {
	spec := &Spec{
		TargetColumn:   "sales",
		DatetimeColumn: DatetimeColumn{Name: "ds", Format: "2006-01-02"},
		SeriesIDColumn: "store",
		Horizon:        2,
	}
	return spec
}

const twoSeriesCSV = `ds,store,promo,region,sales
2024-01-03,A,1,west,30
2024-01-01,A,0,west,10
2024-01-02,A,0,west,20
2024-01-04,A,1,west,
2024-01-05,A,0,west,
2024-01-01,B,1,east,100
2024-01-02,B,0,east,110
2024-01-03,B,1,east,120
2024-01-04,B,0,east,
2024-01-05,B,1,east,
`

func TestParseDatasetGroupsAndSorts(t *testing.T) {
	ds, err := ParseDataset(testSpec(), []byte(twoSeriesCSV))
	if err != nil {
		t.Fatalf("ParseDataset failed: %v", err)
	}

	ids := ds.SeriesIDs()
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Fatalf("series ids = %v, want [A B]", ids)
	}

	frame, _ := ds.Frame("A")
	if frame.Len() != 5 {
		t.Fatalf("series A has %d rows, want 5", frame.Len())
	}
	// Rows must be sorted by timestamp regardless of input order.
	for i := 1; i < frame.Len(); i++ {
		if frame.Times[i].Before(frame.Times[i-1]) {
			t.Errorf("rows not sorted at index %d", i)
		}
	}
	if frame.Target[0] != 10 || frame.Target[2] != 30 {
		t.Errorf("targets out of order: %v", frame.Target[:3])
	}
	// The horizon tail carries future timestamps with NaN targets.
	if !math.IsNaN(frame.Target[3]) || !math.IsNaN(frame.Target[4]) {
		t.Errorf("horizon targets should be NaN, got %v", frame.Target[3:])
	}
}

func TestParseDatasetFeatures(t *testing.T) {
	ds, err := ParseDataset(testSpec(), []byte(twoSeriesCSV))
	if err != nil {
		t.Fatalf("ParseDataset failed: %v", err)
	}
	frame, _ := ds.Frame("A")

	var promo, region *Feature
	for i := range frame.Features {
		switch frame.Features[i].Name {
		case "promo":
			promo = &frame.Features[i]
		case "region":
			region = &frame.Features[i]
		}
	}
	if promo == nil || region == nil {
		t.Fatalf("expected promo and region features, got %v", frame.FeatureColumns("ds", "sales"))
	}
	if promo.Values[0] != 0 || promo.Values[2] != 1 {
		t.Errorf("numeric feature not parsed in time order: %v", promo.Values)
	}
	// A single-valued categorical column encodes to the same code everywhere.
	for i, v := range region.Values {
		if v != region.Values[0] {
			t.Errorf("region code changed at row %d: %v", i, region.Values)
		}
	}
}

func TestParseDatasetMissingColumns(t *testing.T) {
	spec := testSpec()
	spec.TargetColumn = "revenue"
	if _, err := ParseDataset(spec, []byte(twoSeriesCSV)); err == nil {
		t.Error("expected an error for a missing target column")
	}

	spec = testSpec()
	spec.SeriesIDColumn = "warehouse"
	if _, err := ParseDataset(spec, []byte(twoSeriesCSV)); err == nil {
		t.Error("expected an error for a missing series id column")
	}
}

func TestParseDatasetSingleSeries(t *testing.T) {
	spec := testSpec()
	spec.SeriesIDColumn = ""
	csv := "ds,sales\n2024-01-01,1\n2024-01-02,2\n"
	ds, err := ParseDataset(spec, []byte(csv))
	if err != nil {
		t.Fatalf("ParseDataset failed: %v", err)
	}
	if len(ds.SeriesIDs()) != 1 || ds.SeriesIDs()[0] != DefaultSeriesID {
		t.Errorf("series ids = %v, want [%s]", ds.SeriesIDs(), DefaultSeriesID)
	}
}

func TestFrameSlicing(t *testing.T) {
	ds, err := ParseDataset(testSpec(), []byte(twoSeriesCSV))
	if err != nil {
		t.Fatalf("ParseDataset failed: %v", err)
	}
	frame, _ := ds.Frame("B")

	hist := frame.DropHorizon(2)
	if hist.Len() != 3 {
		t.Errorf("DropHorizon(2) left %d rows, want 3", hist.Len())
	}
	if math.IsNaN(hist.Target[hist.Len()-1]) {
		t.Error("history should end with a known target")
	}

	tail := frame.TailHorizon(2)
	if tail.Len() != 2 {
		t.Errorf("TailHorizon(2) has %d rows, want 2", tail.Len())
	}
	if !tail.Times[0].After(hist.Times[hist.Len()-1]) {
		t.Error("horizon window should follow the history")
	}

	// A horizon longer than the series degrades to the whole frame.
	if frame.TailHorizon(99).Len() != frame.Len() {
		t.Error("TailHorizon beyond length should return the whole frame")
	}
	if frame.DropHorizon(99).Len() != 0 {
		t.Error("DropHorizon beyond length should return an empty frame")
	}
}

func TestFrameMatrixLayout(t *testing.T) {
	ds, err := ParseDataset(testSpec(), []byte(twoSeriesCSV))
	if err != nil {
		t.Fatalf("ParseDataset failed: %v", err)
	}
	frame, _ := ds.Frame("A")

	cols := frame.FeatureColumns("ds", "sales")
	if cols[0] != "ds" || cols[len(cols)-1] != "sales" {
		t.Fatalf("column order = %v", cols)
	}
	rows := frame.Matrix()
	if len(rows) != frame.Len() {
		t.Fatalf("matrix has %d rows, want %d", len(rows), frame.Len())
	}
	if len(rows[0]) != len(cols) {
		t.Fatalf("matrix row width %d != column count %d", len(rows[0]), len(cols))
	}
	if rows[0][0] != float64(frame.Times[0].Unix()) {
		t.Error("first matrix column should be epoch seconds")
	}
	if rows[0][len(cols)-1] != frame.Target[0] {
		t.Error("last matrix column should be the target")
	}
}

func TestLabelEncoderDeterministic(t *testing.T) {
	enc := NewLabelEncoder(map[string][]string{
		"region": {"west", "east", "west", "north"},
	})
	// Codes are assigned in sorted value order.
	if enc.Encode("region", "east") != 0 {
		t.Errorf("east = %v, want 0", enc.Encode("region", "east"))
	}
	if enc.Encode("region", "north") != 1 {
		t.Errorf("north = %v, want 1", enc.Encode("region", "north"))
	}
	if enc.Encode("region", "west") != 2 {
		t.Errorf("west = %v, want 2", enc.Encode("region", "west"))
	}
	// Unseen values encode to -1 rather than colliding with a real code.
	if enc.Encode("region", "south") != -1 {
		t.Errorf("unseen value = %v, want -1", enc.Encode("region", "south"))
	}
}
