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
	"encoding/json"
	"sort"
	"sync"
)

// RunErrors accumulates every recoverable failure of a run, keyed by the
// series or stage that failed. It is threaded explicitly through each stage
// instead of living as ambient state, so stages stay pure functions of their
// inputs plus this accumulator.
//
// # Thread Safety
//
// RunErrors is safe for concurrent use; the explanation stage records
// per-series failures from worker goroutines.
type RunErrors struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewRunErrors returns an empty accumulator.
func NewRunErrors() *RunErrors {
	return &RunErrors{entries: make(map[string]string)}
}

// Record captures a recoverable failure under the given key. A key is either
// a SeriesID or a stage name; repeated failures under the same key accumulate
// into a single semicolon-joined description, so a series failing in more
// than one stage keeps every description.
func (e *RunErrors) Record(key string, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.entries[key]; ok {
		e.entries[key] = prev + "; " + err.Error()
		return
	}
	e.entries[key] = err.Error()
}

// Empty reports whether any failure was recorded.
func (e *RunErrors) Empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries) == 0
}

// Len returns the number of recorded failures.
func (e *RunErrors) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Get returns the recorded description for a key.
func (e *RunErrors) Get(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, ok := e.entries[key]
	return msg, ok
}

// Keys returns the recorded keys in sorted order.
func (e *RunErrors) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.entries))
	for k := range e.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSON renders the accumulator as a flat key to description object, the
// shape persisted as the errors artifact.
func (e *RunErrors) JSON() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.MarshalIndent(e.entries, "", "    ")
}
