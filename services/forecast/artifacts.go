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
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
)

// persistArtifacts writes every produced artifact in a fixed order. Each
// write is isolated: a failure is logged and recorded, and the remaining
// artifacts are still attempted. The error summary goes last so it captures
// write failures too.
func (o *Operator) persistArtifacts(ctx context.Context, log *slog.Logger, result *RunResult) {
	errs := result.Errors

	write := func(name string, data []byte) {
		if err := o.store.Write(ctx, name, data); err != nil {
			log.Error("failed to write an artifact", "artifact", name, "error", err)
			errs.Record("artifact:"+name, err)
			return
		}
		log.Info("wrote an artifact", "artifact", o.store.URL(name))
	}

	// The report may be assembled for a metrics-only run, but the file is
	// written only when it was asked for.
	if o.spec.GenerateReport && len(result.Report) > 0 {
		write(o.spec.ReportFilename, result.Report)
	}

	if data, err := forecastCSV(o.spec, result.Output); err != nil {
		log.Error("failed to render the forecast table", "error", err)
		errs.Record("artifact:"+o.spec.ForecastFilename, err)
	} else {
		write(o.spec.ForecastFilename, data)
	}

	if o.spec.GenerateMetrics {
		o.persistMetricsTable(log, result.TrainMetrics, o.spec.MetricsFilename, write, errs)
		o.persistMetricsTable(log, result.TestMetrics, o.spec.TestMetricsFilename, write, errs)
	}

	if o.spec.GenerateExplanations {
		if len(result.GlobalExplanation) == 0 {
			log.Warn("explanations were requested but none were produced, skipping the explanation artifacts")
		} else {
			if data, err := globalExplanationCSV(result.GlobalExplanation); err != nil {
				errs.Record("artifact:"+o.spec.GlobalExplanationFilename, err)
			} else {
				write(o.spec.GlobalExplanationFilename, data)
			}
			if data, err := localExplanationCSV(o.spec, result.LocalExplanation); err != nil {
				errs.Record("artifact:"+o.spec.LocalExplanationFilename, err)
			} else {
				write(o.spec.LocalExplanationFilename, data)
			}
		}
	}

	if o.spec.GenerateModelParameters {
		if data, err := json.MarshalIndent(parametersByName(result.Parameters), "", "    "); err != nil {
			errs.Record("artifact:"+o.spec.ModelParamsFilename, err)
		} else {
			write(o.spec.ModelParamsFilename, data)
		}
	}

	if o.spec.GenerateModelState {
		if result.ModelState == nil {
			log.Warn("model state was requested but the model family exports none, skipping")
		} else {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(result.ModelState); err != nil {
				errs.Record("artifact:"+o.spec.ModelStateFilename, err)
			} else {
				write(o.spec.ModelStateFilename, buf.Bytes())
			}
		}
	}

	if !errs.Empty() {
		if data, err := errs.JSON(); err != nil {
			log.Error("failed to render the error summary", "error", err)
		} else {
			write(o.spec.ErrorsFilename, data)
		}
	}
}

// persistMetricsTable writes one metrics CSV, or logs a warning when the
// table was requested but never computed.
func (o *Operator) persistMetricsTable(log *slog.Logger, table *MetricsTable, filename string, write func(string, []byte), errs *RunErrors) {
	if table.Empty() {
		log.Warn("metrics were requested but the table is empty, skipping", "artifact", filename)
		return
	}
	data, err := metricsCSV(table)
	if err != nil {
		errs.Record("artifact:"+filename, err)
		return
	}
	write(filename, data)
}

// forecastCSV renders the combined result table: one row per series per
// forecast step, with the prediction and its interval bounds.
func forecastCSV(spec *Spec, output *Output) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"series_id", spec.DatetimeColumn.Name, ForecastColumn, ForecastColumn + "_upper", ForecastColumn + "_lower"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write the forecast header: %w", err)
	}
	for _, id := range output.SeriesIDs() {
		fc, _ := output.Forecast(id)
		for i := range fc.Times {
			row := []string{
				string(id),
				fc.Times[i].Format(spec.DatetimeColumn.Format),
				formatFloat(fc.Values[i]),
				formatFloat(fc.Upper[i]),
				formatFloat(fc.Lower[i]),
			}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("failed to write a forecast row: %w", err)
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// metricsCSV renders a metric-by-series table with metric names in the first
// column.
func metricsCSV(table *MetricsTable) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"metric"}
	for _, id := range table.Columns() {
		header = append(header, string(id))
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write the metrics header: %w", err)
	}
	for _, metric := range table.Rows() {
		row := []string{metric}
		for _, id := range table.Columns() {
			if v, ok := table.Value(metric, id); ok {
				row = append(row, formatFloat(v))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write a metrics row: %w", err)
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// globalExplanationCSV renders feature importance with features as rows and
// series as columns.
func globalExplanationCSV(global GlobalExplanation) ([]byte, error) {
	series := make([]SeriesID, 0, len(global))
	for id := range global {
		series = append(series, id)
	}
	sort.Slice(series, func(i, j int) bool { return series[i] < series[j] })

	features := map[string]struct{}{}
	for _, cols := range global {
		for feature := range cols {
			features[feature] = struct{}{}
		}
	}
	names := make([]string, 0, len(features))
	for feature := range features {
		names = append(names, feature)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"feature"}
	for _, id := range series {
		header = append(header, string(id))
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write the explanation header: %w", err)
	}
	for _, feature := range names {
		row := []string{feature}
		for _, id := range series {
			if v, ok := global[id][feature]; ok {
				row = append(row, formatFloat(v))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write an explanation row: %w", err)
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// localExplanationCSV renders per-timestamp attributions, one row per series
// per horizon step.
func localExplanationCSV(spec *Spec, local LocalExplanation) ([]byte, error) {
	series := make([]SeriesID, 0, len(local))
	for id := range local {
		series = append(series, id)
	}
	sort.Slice(series, func(i, j int) bool { return series[i] < series[j] })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	wroteHeader := false
	for _, id := range series {
		table := local[id]
		if table == nil {
			continue
		}
		if !wroteHeader {
			header := append([]string{"series_id", spec.DatetimeColumn.Name}, table.Columns...)
			if err := w.Write(header); err != nil {
				return nil, fmt.Errorf("failed to write the local explanation header: %w", err)
			}
			wroteHeader = true
		}
		for i, row := range table.Rows {
			record := []string{string(id), table.Times[i].Format(spec.DatetimeColumn.Format)}
			for _, v := range row {
				record = append(record, formatFloat(v))
			}
			if err := w.Write(record); err != nil {
				return nil, fmt.Errorf("failed to write a local explanation row: %w", err)
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// parametersByName converts the SeriesID-keyed parameter map to string keys
// for JSON.
func parametersByName(params map[SeriesID]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(params))
	for id, p := range params {
		out[string(id)] = p
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
