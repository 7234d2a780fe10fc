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
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// SeriesID identifies one independent time series within a multi-series run.
// It keys every per-series mapping the operator produces: forecasts, test
// data, metric columns, explanations, model parameters, and errors.
type SeriesID string

// DefaultSeriesID is assigned when the input has no series-id column.
const DefaultSeriesID SeriesID = "Series 1"

// Feature is one extra numeric column of a series frame. Categorical source
// columns are label encoded at load time, so Values is always numeric.
type Feature struct {
	Name   string
	Values []float64
}

// Frame holds the observations of a single series in timestamp order.
type Frame struct {
	Times    []time.Time
	Target   []float64
	Features []Feature
}

// Len returns the number of observations.
func (f *Frame) Len() int { return len(f.Times) }

// Slice returns a shallow copy of rows [i:j).
func (f *Frame) Slice(i, j int) *Frame {
	out := &Frame{
		Times:  f.Times[i:j],
		Target: f.Target[i:j],
	}
	for _, feat := range f.Features {
		out.Features = append(out.Features, Feature{Name: feat.Name, Values: feat.Values[i:j]})
	}
	return out
}

// DropHorizon returns the frame without its trailing h rows. If the frame is
// shorter than h the empty tail is returned unchanged.
func (f *Frame) DropHorizon(h int) *Frame {
	if h >= f.Len() {
		return f.Slice(0, 0)
	}
	return f.Slice(0, f.Len()-h)
}

// TailHorizon returns the trailing h rows, or the whole frame when shorter.
func (f *Frame) TailHorizon(h int) *Frame {
	if h >= f.Len() {
		return f.Slice(0, f.Len())
	}
	return f.Slice(f.Len()-h, f.Len())
}

// FeatureColumns lists the explainer-visible column names in matrix order:
// the datetime column first, then every extra feature, then the target.
func (f *Frame) FeatureColumns(dtName, targetName string) []string {
	cols := []string{dtName}
	for _, feat := range f.Features {
		cols = append(cols, feat.Name)
	}
	return append(cols, targetName)
}

// Matrix lays the frame out row-major for the explainer: timestamps are
// encoded as epoch seconds in the first column and the target fills the last.
func (f *Frame) Matrix() [][]float64 {
	rows := make([][]float64, f.Len())
	for i := range rows {
		row := make([]float64, 0, len(f.Features)+2)
		row = append(row, float64(f.Times[i].Unix()))
		for _, feat := range f.Features {
			row = append(row, feat.Values[i])
		}
		row = append(row, f.Target[i])
		rows[i] = row
	}
	return rows
}

// LabelEncoder assigns stable ordinal codes to the string values of
// categorical columns. The same encoder must be used for training and
// explanation inputs so codes line up.
type LabelEncoder struct {
	codes map[string]map[string]float64
}

// NewLabelEncoder builds an encoder from the full value domain of each
// column. Codes are assigned in sorted value order so they are deterministic
// across runs.
func NewLabelEncoder(columns map[string][]string) *LabelEncoder {
	enc := &LabelEncoder{codes: make(map[string]map[string]float64)}
	for col, values := range columns {
		domain := make(map[string]struct{})
		for _, v := range values {
			domain[v] = struct{}{}
		}
		ordered := make([]string, 0, len(domain))
		for v := range domain {
			ordered = append(ordered, v)
		}
		sort.Strings(ordered)
		colCodes := make(map[string]float64, len(ordered))
		for i, v := range ordered {
			colCodes[v] = float64(i)
		}
		enc.codes[col] = colCodes
	}
	return enc
}

// Encode maps a value to its ordinal code; unseen values map to -1.
func (e *LabelEncoder) Encode(column, value string) float64 {
	if colCodes, ok := e.codes[column]; ok {
		if code, ok := colCodes[value]; ok {
			return code
		}
	}
	return -1
}

// Columns lists the encoded column names.
func (e *LabelEncoder) Columns() []string {
	cols := make([]string, 0, len(e.codes))
	for c := range e.codes {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Dataset is the historical input of a run, split by series and sorted by
// timestamp. Frames include the horizon rows when the input carries them;
// model builders call DropHorizon as needed.
type Dataset struct {
	order    []SeriesID
	frames   map[SeriesID]*Frame
	encoders map[SeriesID]*LabelEncoder
}

// SeriesIDs returns the series identifiers in input order.
func (d *Dataset) SeriesIDs() []SeriesID { return d.order }

// Frame returns the frame for one series.
func (d *Dataset) Frame(id SeriesID) (*Frame, bool) {
	fr, ok := d.frames[id]
	return fr, ok
}

// Encoder returns the label encoder built for one series.
func (d *Dataset) Encoder(id SeriesID) *LabelEncoder { return d.encoders[id] }

// EarliestTimestamp returns the smallest timestamp across all series.
func (d *Dataset) EarliestTimestamp() time.Time {
	var earliest time.Time
	for _, fr := range d.frames {
		if fr.Len() == 0 {
			continue
		}
		if earliest.IsZero() || fr.Times[0].Before(earliest) {
			earliest = fr.Times[0]
		}
	}
	return earliest
}

// LatestTimestamp returns the largest timestamp across all series.
func (d *Dataset) LatestTimestamp() time.Time {
	var latest time.Time
	for _, fr := range d.frames {
		if fr.Len() == 0 {
			continue
		}
		if last := fr.Times[fr.Len()-1]; last.After(latest) {
			latest = last
		}
	}
	return latest
}

// TestData is the optional holdout set, keyed by the same SeriesID domain as
// the historical data. A series may be absent; downstream stages skip it.
type TestData struct {
	frames map[SeriesID]*Frame
}

// ForSeries returns the holdout frame for a series, if present.
func (t *TestData) ForSeries(id SeriesID) (*Frame, bool) {
	if t == nil {
		return nil, false
	}
	fr, ok := t.frames[id]
	return fr, ok
}

// ParseDataset parses historical CSV input into per-series frames.
//
// The CSV must have a header row containing the configured datetime and
// target columns. When a series-id column is configured, rows are grouped by
// it; otherwise all rows form a single series under DefaultSeriesID. Any
// remaining column becomes a feature: numeric columns are parsed directly,
// non-numeric ones are label encoded.
func ParseDataset(spec *Spec, data []byte) (*Dataset, error) {
	ds := &Dataset{
		frames:   make(map[SeriesID]*Frame),
		encoders: make(map[SeriesID]*LabelEncoder),
	}
	if err := parseSeriesCSV(spec, data, func(id SeriesID, fr *Frame, enc *LabelEncoder) {
		ds.order = append(ds.order, id)
		ds.frames[id] = fr
		ds.encoders[id] = enc
	}); err != nil {
		return nil, err
	}
	if len(ds.order) == 0 {
		return nil, fmt.Errorf("historical data contains no rows")
	}
	return ds, nil
}

// ParseTestData parses the holdout CSV with the same schema rules as the
// historical data.
func ParseTestData(spec *Spec, data []byte) (*TestData, error) {
	td := &TestData{frames: make(map[SeriesID]*Frame)}
	if err := parseSeriesCSV(spec, data, func(id SeriesID, fr *Frame, _ *LabelEncoder) {
		td.frames[id] = fr
	}); err != nil {
		return nil, err
	}
	return td, nil
}

func parseSeriesCSV(spec *Spec, data []byte, emit func(SeriesID, *Frame, *LabelEncoder)) error {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read CSV input: %w", err)
	}
	if len(records) < 2 {
		return fmt.Errorf("CSV input needs a header row and at least one data row")
	}

	header := records[0]
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[name] = i
	}
	dtIdx, ok := colIdx[spec.DatetimeColumn.Name]
	if !ok {
		return fmt.Errorf("datetime column %q not found in CSV header", spec.DatetimeColumn.Name)
	}
	targetIdx, ok := colIdx[spec.TargetColumn]
	if !ok {
		return fmt.Errorf("target column %q not found in CSV header", spec.TargetColumn)
	}
	seriesIdx := -1
	if spec.SeriesIDColumn != "" {
		if seriesIdx, ok = colIdx[spec.SeriesIDColumn]; !ok {
			return fmt.Errorf("series id column %q not found in CSV header", spec.SeriesIDColumn)
		}
	}

	var extraCols []int
	for i := range header {
		if i == dtIdx || i == targetIdx || i == seriesIdx {
			continue
		}
		extraCols = append(extraCols, i)
	}

	type rawSeries struct {
		times  []time.Time
		target []float64
		extras map[string][]string
	}
	byID := make(map[SeriesID]*rawSeries)
	var order []SeriesID

	for line, rec := range records[1:] {
		id := DefaultSeriesID
		if seriesIdx >= 0 {
			id = SeriesID(rec[seriesIdx])
		}
		rs, ok := byID[id]
		if !ok {
			rs = &rawSeries{extras: make(map[string][]string)}
			byID[id] = rs
			order = append(order, id)
		}
		t, err := time.Parse(spec.DatetimeColumn.Format, rec[dtIdx])
		if err != nil {
			return fmt.Errorf("row %d: failed to parse timestamp %q with layout %q: %w",
				line+2, rec[dtIdx], spec.DatetimeColumn.Format, err)
		}
		rs.times = append(rs.times, t)
		rs.target = append(rs.target, parseFloatOrNaN(rec[targetIdx]))
		for _, ci := range extraCols {
			rs.extras[header[ci]] = append(rs.extras[header[ci]], rec[ci])
		}
	}

	for _, id := range order {
		rs := byID[id]
		sortByTime(rs.times, rs.target, rs.extras)

		fr := &Frame{Times: rs.times, Target: rs.target}
		categorical := make(map[string][]string)
		for _, ci := range extraCols {
			name := header[ci]
			values := rs.extras[name]
			numeric, ok := tryParseFloats(values)
			if ok {
				fr.Features = append(fr.Features, Feature{Name: name, Values: numeric})
			} else {
				categorical[name] = values
			}
		}
		enc := NewLabelEncoder(categorical)
		for _, name := range enc.Columns() {
			values := categorical[name]
			encoded := make([]float64, len(values))
			for i, v := range values {
				encoded[i] = enc.Encode(name, v)
			}
			fr.Features = append(fr.Features, Feature{Name: name, Values: encoded})
		}
		emit(id, fr, enc)
	}
	return nil
}

func parseFloatOrNaN(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func tryParseFloats(values []string) ([]float64, bool) {
	out := make([]float64, len(values))
	for i, s := range values {
		if s == "" {
			out[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func sortByTime(times []time.Time, target []float64, extras map[string][]string) {
	idx := make([]int, len(times))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return times[idx[a]].Before(times[idx[b]]) })

	reorderTimes := make([]time.Time, len(times))
	reorderTarget := make([]float64, len(target))
	for i, j := range idx {
		reorderTimes[i] = times[j]
		reorderTarget[i] = target[j]
	}
	copy(times, reorderTimes)
	copy(target, reorderTarget)

	for name, vals := range extras {
		reordered := make([]string, len(vals))
		for i, j := range idx {
			reordered[i] = vals[j]
		}
		extras[name] = reordered
	}
}
