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
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Per-series metric row names.
const (
	MetricSMAPE             = "sMAPE"
	MetricMAPE              = "MAPE"
	MetricWMAPE             = "wMAPE"
	MetricRMSE              = "RMSE"
	MetricR2                = "r2"
	MetricExplainedVariance = "Explained Variance"
)

// Summary metric column names, in the canonical report order.
const (
	SummaryMeanSMAPE    = "Mean sMAPE"
	SummaryMedianSMAPE  = "Median sMAPE"
	SummaryMeanMAPE     = "Mean MAPE"
	SummaryMedianMAPE   = "Median MAPE"
	SummaryMeanWMAPE    = "Mean wMAPE"
	SummaryMedianWMAPE  = "Median wMAPE"
	SummaryMeanRMSE     = "Mean RMSE"
	SummaryMedianRMSE   = "Median RMSE"
	SummaryMeanR2       = "Mean r2"
	SummaryMedianR2     = "Median r2"
	SummaryMeanExpVar   = "Mean Explained Variance"
	SummaryMedianExpVar = "Median Explained Variance"
	SummaryElapsedTime  = "Elapsed Time"
)

// summaryColumnOrder is the fixed column order of the summary table once the
// per-horizon breakdown is present.
var summaryColumnOrder = []string{
	SummaryMeanSMAPE, SummaryMedianSMAPE,
	SummaryMeanMAPE, SummaryMedianMAPE,
	SummaryMeanWMAPE, SummaryMedianWMAPE,
	SummaryMeanRMSE, SummaryMedianRMSE,
	SummaryMeanR2, SummaryMedianR2,
	SummaryMeanExpVar, SummaryMedianExpVar,
	SummaryElapsedTime,
}

// summaryAllTargetsRow labels the cross-series aggregate row.
const summaryAllTargetsRow = "All Targets"

// metricRowOrder fixes the per-series table row order.
var metricRowOrder = []string{
	MetricSMAPE, MetricMAPE, MetricRMSE, MetricR2, MetricExplainedVariance,
}

// MetricsTable is a metric-by-series table of scalar accuracy values. Rows
// are metric names, columns are SeriesIDs. It is derived state, recomputed
// each run.
type MetricsTable struct {
	columns []SeriesID
	values  map[SeriesID]map[string]float64
}

// NewMetricsTable returns an empty table.
func NewMetricsTable() *MetricsTable {
	return &MetricsTable{values: make(map[SeriesID]map[string]float64)}
}

// AddColumn stores one series' metrics as a new column.
func (m *MetricsTable) AddColumn(id SeriesID, metrics map[string]float64) {
	if _, exists := m.values[id]; !exists {
		m.columns = append(m.columns, id)
	}
	m.values[id] = metrics
}

// Empty reports whether the table has no columns.
func (m *MetricsTable) Empty() bool { return m == nil || len(m.columns) == 0 }

// Columns returns the series columns in insertion order.
func (m *MetricsTable) Columns() []SeriesID { return m.columns }

// Rows returns the metric row names in canonical order.
func (m *MetricsTable) Rows() []string { return metricRowOrder }

// Value returns one cell.
func (m *MetricsTable) Value(metric string, id SeriesID) (float64, bool) {
	col, ok := m.values[id]
	if !ok {
		return 0, false
	}
	v, ok := col[metric]
	return v, ok
}

// Row collects one metric across all series, in column order.
func (m *MetricsTable) Row(metric string) []float64 {
	out := make([]float64, 0, len(m.columns))
	for _, id := range m.columns {
		if v, ok := m.values[id][metric]; ok {
			out = append(out, v)
		}
	}
	return out
}

// SummaryMetrics is the cross-series aggregate table: one "All Targets" row
// of mean/median values, optionally preceded by per-horizon-step rows.
type SummaryMetrics struct {
	columns []string
	rows    []string
	values  map[string]map[string]float64
}

// NewSummaryMetrics returns an empty summary.
func NewSummaryMetrics() *SummaryMetrics {
	return &SummaryMetrics{values: make(map[string]map[string]float64)}
}

// Empty reports whether the summary holds no rows.
func (s *SummaryMetrics) Empty() bool { return s == nil || len(s.rows) == 0 }

// Columns returns the column names in display order.
func (s *SummaryMetrics) Columns() []string { return s.columns }

// Rows returns the row labels in display order.
func (s *SummaryMetrics) Rows() []string { return s.rows }

// Value returns one cell. NaN cells report ok=false so renderers can leave
// them blank.
func (s *SummaryMetrics) Value(row, column string) (float64, bool) {
	r, ok := s.values[row]
	if !ok {
		return 0, false
	}
	v, ok := r[column]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func (s *SummaryMetrics) setRow(label string, cells map[string]float64) {
	if _, exists := s.values[label]; !exists {
		s.rows = append(s.rows, label)
	}
	s.values[label] = cells
}

func (s *SummaryMetrics) prependRow(label string, cells map[string]float64) {
	if _, exists := s.values[label]; !exists {
		s.rows = append([]string{label}, s.rows...)
	}
	s.values[label] = cells
}

// MetricsEngine computes point-forecast accuracy metrics per series and
// aggregates them across series.
type MetricsEngine struct {
	horizon int
	log     *slog.Logger
}

// NewMetricsEngine returns an engine for the given run-wide horizon.
func NewMetricsEngine(horizon int, log *slog.Logger) *MetricsEngine {
	if log == nil {
		log = slog.Default()
	}
	return &MetricsEngine{horizon: horizon, log: log}
}

// Evaluate computes the test metrics table and its summary.
//
// For each series present in both the forecast output and the test data, the
// last-horizon true and predicted values are aligned, index positions where
// either side is NaN are dropped, and the remaining pairs produce one table
// column. A series missing from the test data, or left with no valid pairs,
// is skipped with a warning; the run continues. A series whose test window is
// shorter than the forecast window is skipped and recorded rather than
// scored against misaligned steps. An empty table yields an empty summary,
// not an error.
func (e *MetricsEngine) Evaluate(output *Output, test *TestData, elapsed time.Duration, errs *RunErrors) (*MetricsTable, *SummaryMetrics) {
	table := NewMetricsTable()

	for _, id := range output.SeriesIDs() {
		testFrame, ok := test.ForSeries(id)
		if !ok {
			e.log.Warn("series missing from the test data, skipping its metrics", "series", string(id))
			errs.Record(string(id), fmt.Errorf("series %q not found in the test data", id))
			continue
		}
		fc, _ := output.Forecast(id)

		yTrue := lastN(testFrame.Target, e.horizon)
		yPred := lastN(fc.Values, e.horizon)
		if len(yTrue) != len(yPred) {
			// Pairing unequal windows would score early forecast steps
			// against late truth values.
			e.log.Warn("test data shorter than the forecast window, skipping its metrics",
				"series", string(id), "test_rows", len(yTrue), "forecast_rows", len(yPred))
			errs.Record(string(id), fmt.Errorf(
				"series %q has %d test rows for a %d-step forecast", id, len(yTrue), len(yPred)))
			continue
		}
		yTrue, yPred = dropNaNPairs(yTrue, yPred)
		if len(yTrue) == 0 {
			e.log.Warn("no valid value pairs in the test data for series", "series", string(id))
			continue
		}
		table.AddColumn(id, pointMetrics(yTrue, yPred))
	}

	if table.Empty() {
		return table, NewSummaryMetrics()
	}

	summary := e.summarize(table, elapsed)
	if e.horizon <= SummaryHorizonLimit {
		e.addHorizonBreakdown(summary, output, test)
	}
	return table, summary
}

// EvaluateTrain computes the training metrics table from in-sample fitted
// values. Series without fitted values are skipped.
func (e *MetricsEngine) EvaluateTrain(ds *Dataset, output *Output) *MetricsTable {
	table := NewMetricsTable()
	for _, id := range output.SeriesIDs() {
		fc, _ := output.Forecast(id)
		if len(fc.Fitted) == 0 {
			continue
		}
		frame, ok := ds.Frame(id)
		if !ok {
			continue
		}
		train := frame.DropHorizon(e.horizon)
		yTrue := lastN(train.Target, len(fc.Fitted))
		yPred := lastN(fc.Fitted, len(yTrue))
		yTrue, yPred = dropNaNPairs(yTrue, yPred)
		if len(yTrue) == 0 {
			continue
		}
		table.AddColumn(id, pointMetrics(yTrue, yPred))
	}
	return table
}

// summarize builds the "All Targets" mean/median row.
func (e *MetricsEngine) summarize(table *MetricsTable, elapsed time.Duration) *SummaryMetrics {
	summary := NewSummaryMetrics()
	cells := map[string]float64{
		SummaryMeanSMAPE:    mean(table.Row(MetricSMAPE)),
		SummaryMedianSMAPE:  median(table.Row(MetricSMAPE)),
		SummaryMeanMAPE:     mean(table.Row(MetricMAPE)),
		SummaryMedianMAPE:   median(table.Row(MetricMAPE)),
		SummaryMeanRMSE:     mean(table.Row(MetricRMSE)),
		SummaryMedianRMSE:   median(table.Row(MetricRMSE)),
		SummaryMeanR2:       mean(table.Row(MetricR2)),
		SummaryMedianR2:     median(table.Row(MetricR2)),
		SummaryMeanExpVar:   mean(table.Row(MetricExplainedVariance)),
		SummaryMedianExpVar: median(table.Row(MetricExplainedVariance)),
		SummaryElapsedTime:  elapsed.Seconds(),
	}
	summary.setRow(summaryAllTargetsRow, cells)
	summary.columns = []string{
		SummaryMeanSMAPE, SummaryMedianSMAPE,
		SummaryMeanMAPE, SummaryMedianMAPE,
		SummaryMeanRMSE, SummaryMedianRMSE,
		SummaryMeanR2, SummaryMedianR2,
		SummaryMeanExpVar, SummaryMedianExpVar,
		SummaryElapsedTime,
	}
	return summary
}

// addHorizonBreakdown computes sMAPE/MAPE/wMAPE mean/median rows at each
// horizon offset and prepends them, then reorders the columns to the fixed
// canonical order.
func (e *MetricsEngine) addHorizonBreakdown(summary *SummaryMetrics, output *Output, test *TestData) {
	added := false
	for step := e.horizon - 1; step >= 0; step-- {
		var smapes, mapes, wmapes []float64
		for _, id := range output.SeriesIDs() {
			testFrame, ok := test.ForSeries(id)
			if !ok {
				continue
			}
			fc, _ := output.Forecast(id)
			yTrue := lastN(testFrame.Target, e.horizon)
			yPred := lastN(fc.Values, e.horizon)
			if len(yTrue) != len(yPred) || step >= len(yTrue) {
				continue
			}
			yt, yp := yTrue[step], yPred[step]
			if math.IsNaN(yt) || math.IsNaN(yp) {
				continue
			}
			smapes = append(smapes, smape([]float64{yt}, []float64{yp}))
			mapes = append(mapes, mape([]float64{yt}, []float64{yp}))
			wmapes = append(wmapes, wmape([]float64{yt}, []float64{yp}))
		}
		if len(smapes) == 0 {
			continue
		}
		label := fmt.Sprintf("Horizon %d", step+1)
		summary.prependRow(label, map[string]float64{
			SummaryMeanSMAPE:   mean(smapes),
			SummaryMedianSMAPE: median(smapes),
			SummaryMeanMAPE:    mean(mapes),
			SummaryMedianMAPE:  median(mapes),
			SummaryMeanWMAPE:   mean(wmapes),
			SummaryMedianWMAPE: median(wmapes),
		})
		added = true
	}
	if added {
		summary.columns = append([]string(nil), summaryColumnOrder...)
	}
}

// pointMetrics computes the per-series metric column from aligned, NaN-free
// pairs. len(yTrue) == len(yPred) >= 1 is the caller's contract.
func pointMetrics(yTrue, yPred []float64) map[string]float64 {
	return map[string]float64{
		MetricSMAPE:             smape(yTrue, yPred),
		MetricMAPE:              mape(yTrue, yPred),
		MetricRMSE:              rmse(yTrue, yPred),
		MetricR2:                r2(yTrue, yPred),
		MetricExplainedVariance: explainedVariance(yTrue, yPred),
	}
}

func smape(yTrue, yPred []float64) float64 {
	var sum float64
	for i := range yTrue {
		denom := (math.Abs(yTrue[i]) + math.Abs(yPred[i])) / 2
		if denom == 0 {
			continue
		}
		sum += math.Abs(yTrue[i]-yPred[i]) / denom
	}
	return sum / float64(len(yTrue))
}

func mape(yTrue, yPred []float64) float64 {
	var sum float64
	var n int
	for i := range yTrue {
		if yTrue[i] == 0 {
			continue
		}
		sum += math.Abs((yTrue[i] - yPred[i]) / yTrue[i])
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func wmape(yTrue, yPred []float64) float64 {
	var num, denom float64
	for i := range yTrue {
		num += math.Abs(yTrue[i] - yPred[i])
		denom += math.Abs(yTrue[i])
	}
	if denom == 0 {
		return math.NaN()
	}
	return num / denom
}

func rmse(yTrue, yPred []float64) float64 {
	var sum float64
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(yTrue)))
}

func r2(yTrue, yPred []float64) float64 {
	meanTrue := stat.Mean(yTrue, nil)
	var ssRes, ssTot float64
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		ssRes += d * d
		t := yTrue[i] - meanTrue
		ssTot += t * t
	}
	if ssTot == 0 {
		return math.NaN()
	}
	return 1 - ssRes/ssTot
}

func explainedVariance(yTrue, yPred []float64) float64 {
	residuals := make([]float64, len(yTrue))
	for i := range yTrue {
		residuals[i] = yTrue[i] - yPred[i]
	}
	varTrue := stat.Variance(yTrue, nil)
	if varTrue == 0 || len(yTrue) < 2 {
		return math.NaN()
	}
	return 1 - stat.Variance(residuals, nil)/varTrue
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return stat.Mean(values, nil)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// lastN returns the trailing n elements, or everything when shorter.
func lastN(values []float64, n int) []float64 {
	if n >= len(values) {
		return values
	}
	return values[len(values)-n:]
}

// dropNaNPairs removes index positions where either side is NaN.
func dropNaNPairs(yTrue, yPred []float64) ([]float64, []float64) {
	n := len(yTrue)
	if len(yPred) < n {
		n = len(yPred)
	}
	outTrue := make([]float64, 0, n)
	outPred := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(yTrue[i]) || math.IsNaN(yPred[i]) {
			continue
		}
		outTrue = append(outTrue, yTrue[i])
		outPred = append(outPred, yPred[i])
	}
	return outTrue, outPred
}
