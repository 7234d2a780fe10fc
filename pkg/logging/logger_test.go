// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLevelToSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // unknown falls back to Info
	}
	for _, tt := range tests {
		if got := tt.level.toSlogLevel(); got != tt.want {
			t.Errorf("Level(%d).toSlogLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

// logFilePath locates the dated log file New creates for a service.
func logFilePath(dir, service string) string {
	name := service + "_" + time.Now().Format("2006-01-02") + ".log"
	return filepath.Join(dir, name)
}

func TestNewWritesDatedJSONLogFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "forecast",
		Quiet:   true,
	})
	logger.Slog().Info("model building completed", "series", 2)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logFilePath(dir, "forecast"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "model building completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["service"] != "forecast" {
		t.Errorf("service attribute = %v, want forecast", entry["service"])
	}
	if entry["series"] != float64(2) {
		t.Errorf("series attribute = %v, want 2", entry["series"])
	}
}

func TestNewLevelFiltersFileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "forecast",
		Quiet:   true,
	})
	logger.Slog().Info("below the threshold")
	logger.Slog().Warn("at the threshold")
	logger.Close()

	data, err := os.ReadFile(logFilePath(dir, "forecast"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if strings.Contains(string(data), "below the threshold") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(string(data), "at the threshold") {
		t.Error("warn record should be written")
	}
}

func TestNewDefaultsServiceFilename(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Slog().Info("hello")
	logger.Close()

	if _, err := os.Stat(logFilePath(dir, "aleutian")); err != nil {
		t.Errorf("default-named log file missing: %v", err)
	}
}

func TestNewAppendsAcrossLoggers(t *testing.T) {
	dir := t.TempDir()
	for _, msg := range []string{"first run", "second run"} {
		logger := New(Config{LogDir: dir, Service: "forecast", Quiet: true})
		logger.Slog().Info(msg)
		logger.Close()
	}

	data, err := os.ReadFile(logFilePath(dir, "forecast"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), "first run") || !strings.Contains(string(data), "second run") {
		t.Errorf("log file should hold both runs, got %q", data)
	}
}

func TestNewUnwritableLogDirDegrades(t *testing.T) {
	// A file where the directory should be makes MkdirAll fail.
	blocked := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(blocked, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}
	logger := New(Config{LogDir: blocked, Service: "forecast"})
	logger.Slog().Info("still logs to stderr")
	if err := logger.Close(); err != nil {
		t.Errorf("Close failed with no file open: %v", err)
	}
}

func TestCloseWithoutFileIsNil(t *testing.T) {
	logger := New(Config{})
	if err := logger.Close(); err != nil {
		t.Errorf("Close = %v, want nil", err)
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var text, jsonBuf bytes.Buffer
	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&text, nil),
		slog.NewJSONHandler(&jsonBuf, nil),
	}}
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("service", "forecast")}))
	logger.Info("wrote an artifact", "artifact", "report.html")

	if !strings.Contains(text.String(), "wrote an artifact") {
		t.Error("text destination missed the record")
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(jsonBuf.Bytes()), &entry); err != nil {
		t.Fatalf("JSON destination is not JSON: %v", err)
	}
	if entry["service"] != "forecast" || entry["artifact"] != "report.html" {
		t.Errorf("JSON record = %v", entry)
	}
}

func TestMultiHandlerRespectsPerHandlerLevels(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}

	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("handler should be enabled when any destination accepts the level")
	}
	slog.New(handler).Debug("verbose detail")
	if !strings.Contains(debugBuf.String(), "verbose detail") {
		t.Error("debug destination missed the record")
	}
	if warnBuf.Len() != 0 {
		t.Error("warn destination should filter debug records")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q, want unchanged", got)
	}
}
