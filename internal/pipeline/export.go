package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RunReport is everything recorded about one run.
type RunReport struct {
	Run      *Run         `json:"run"`
	Traces   []StageTrace `json:"traces"`
	Findings []Finding    `json:"findings"`
}

// Report gathers the run, its traces and its findings.
func (s *Store) Report(ctx context.Context, runID string) (*RunReport, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	traces, err := s.ListTraces(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load traces: %w", err)
	}
	findings, err := s.ListFindings(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load findings: %w", err)
	}
	return &RunReport{Run: run, Traces: traces, Findings: findings}, nil
}

// ExportReport writes the report of runID to path as pretty-printed JSON.
func (s *Store) ExportReport(ctx context.Context, runID, path string) error {
	report, err := s.Report(ctx, runID)
	if err != nil {
		return err
	}
	return WriteJSON(path, report)
}

// WriteAtomic writes data to a file atomically by writing to a temp file
// in the same directory, then renaming.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = ""
	return nil
}

// WriteJSON writes v as indented JSON to path atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return WriteAtomic(path, append(data, '\n'))
}
