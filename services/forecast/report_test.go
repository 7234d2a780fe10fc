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
	"strings"
	"testing"
	"time"
)

func reportInputs(t *testing.T) *ReportInputs {
	t.Helper()
	spec := testSpec()
	spec.Model = ModelTrend
	spec.ConfidenceIntervalWidth = 0.8
	ds, err := ParseDataset(spec, []byte(twoSeriesCSV))
	if err != nil {
		t.Fatalf("ParseDataset failed: %v", err)
	}
	output := buildOutput(t, spec.Horizon, map[SeriesID][]float64{
		"A": {40, 50},
		"B": {130, 140},
	})
	return &ReportInputs{
		Spec:      spec,
		Dataset:   ds,
		Output:    output,
		ModelName: ModelTrend,
		Elapsed:   3 * time.Second,
	}
}

func sectionTitles(sections []Section) []string {
	titles := make([]string, len(sections))
	for i, s := range sections {
		titles[i] = s.Title
	}
	return titles
}

func hasSection(sections []Section, title string) bool {
	for _, s := range sections {
		if s.Title == title {
			return true
		}
	}
	return false
}

func TestAssembleOmitsEmptySections(t *testing.T) {
	in := reportInputs(t)
	assembler := NewReportAssembler(nil)
	sections := assembler.Assemble(in)

	for _, absent := range []string{SectionTestMetrics, SectionSummaryMetrics, SectionTrainMetrics, SectionBacktest, SectionNarrative} {
		if hasSection(sections, absent) {
			t.Errorf("section %q should be omitted without its backing artifact; got %v", absent, sectionTitles(sections))
		}
	}
	for _, present := range []string{SectionForecastOverview, SectionDataPreview, SectionConfigEcho} {
		if !hasSection(sections, present) {
			t.Errorf("section %q missing; got %v", present, sectionTitles(sections))
		}
	}
}

func TestAssembleSectionOrder(t *testing.T) {
	in := reportInputs(t)
	table := NewMetricsTable()
	table.AddColumn("A", map[string]float64{MetricSMAPE: 0.1, MetricMAPE: 0.1, MetricRMSE: 1, MetricR2: 0.9, MetricExplainedVariance: 0.9})
	in.TestMetrics = table
	in.TrainMetrics = table
	summary := NewSummaryMetrics()
	summary.setRow(summaryAllTargetsRow, map[string]float64{SummaryMeanSMAPE: 0.1})
	summary.columns = []string{SummaryMeanSMAPE}
	in.Summary = summary
	in.Narrative = "Sales keep climbing."

	sections := NewReportAssembler(nil).Assemble(in)
	titles := sectionTitles(sections)

	want := []string{
		SectionForecastOverview,
		SectionDataPreview,
		SectionNarrative,
		SectionForecastPlots,
		SectionTestMetrics,
		SectionSummaryMetrics,
		SectionTrainMetrics,
		SectionConfigEcho,
	}
	wi := 0
	for _, title := range titles {
		if wi < len(want) && title == want[wi] {
			wi++
		}
	}
	if wi != len(want) {
		t.Errorf("sections out of order: got %v, want subsequence %v", titles, want)
	}
}

func TestAssembleBacktestSection(t *testing.T) {
	in := reportInputs(t)
	in.Spec.Model = ModelAutoSelect
	in.BacktestStats = &BacktestStats{
		Families: []string{"arima", "trend"},
		Scores:   [][]float64{{0.4, 0.1}, {0.5, 0.2}},
	}

	sections := NewReportAssembler(nil).Assemble(in)
	var backtest *Section
	for i := range sections {
		if sections[i].Title == SectionBacktest {
			backtest = &sections[i]
		}
	}
	if backtest == nil {
		t.Fatalf("backtest section missing; got %v", sectionTitles(sections))
	}
	if !strings.Contains(string(backtest.Body), "<strong>trend</strong>") {
		t.Errorf("backtest section should name the winner, got %s", backtest.Body)
	}
}

func TestAssembleBacktestRequiresAutoSelect(t *testing.T) {
	in := reportInputs(t)
	in.BacktestStats = &BacktestStats{
		Families: []string{"arima", "trend"},
		Scores:   [][]float64{{0.4, 0.1}},
	}
	// Model is a direct family selection, so the stats are ignored.
	sections := NewReportAssembler(nil).Assemble(in)
	if hasSection(sections, SectionBacktest) {
		t.Error("backtest section should only appear in auto-select mode")
	}
}

func TestRenderProducesHTML(t *testing.T) {
	in := reportInputs(t)
	assembler := NewReportAssembler(nil)
	sections := assembler.Assemble(in)

	var buf bytes.Buffer
	if err := assembler.Render(&buf, sections); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	html := buf.String()
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("output is not a standalone HTML document")
	}
	for _, title := range sectionTitles(sections) {
		if !strings.Contains(html, title) {
			t.Errorf("rendered report is missing section %q", title)
		}
	}
	if !strings.Contains(html, "target_column: sales") {
		t.Error("configuration echo missing from the report")
	}
}

func TestForecastPlotSVG(t *testing.T) {
	hist := &Frame{
		Times:  dayTimes("2024-01-01", 10),
		Target: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}
	fc := &SeriesForecast{
		Times:  dayTimes("2024-01-11", 3),
		Values: []float64{11, 12, 13},
	}
	svg, err := forecastPlotSVG("store A", hist, fc)
	if err != nil {
		t.Fatalf("forecastPlotSVG failed: %v", err)
	}
	if !strings.Contains(svg, "<svg") {
		t.Error("plot output is not SVG")
	}
}
