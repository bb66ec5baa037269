package stats

import (
	"os"
	"path/filepath"
	"testing"

	"dartsearch/internal/model"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:     runID,
			Dataset:   "synthetic",
			Seed:      1,
			BatchSize: 8,
			Epochs:    2,
			Layers:    3,
		},
		History: []model.EpochRecord{
			{Epoch: 0, ValidTop1: 0.5, BestValidTop1: 0.5},
			{Epoch: 1, ValidTop1: 0.75, BestValidTop1: 0.75},
		},
		Genotypes: []model.Genotype{
			{Epoch: 0, Normal: []model.EdgeWeights{{Edge: 0, Op: "skip_connect", Weight: 0.4}}},
		},
		BestValidTop1: 0.75,
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "epoch_history.json", "genotypes.json", "history.csv"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.Layers != 3 || cfg.Dataset != "synthetic" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	history, ok, err := ReadEpochHistory(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read history: ok=%t err=%v", ok, err)
	}
	if len(history) != 2 || history[1].BestValidTop1 != 0.75 {
		t.Fatalf("unexpected history: %+v", history)
	}

	genotypes, ok, err := ReadGenotypes(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read genotypes: ok=%t err=%v", ok, err)
	}
	if len(genotypes) != 1 || genotypes[0].Normal[0].Op != "skip_connect" {
		t.Fatalf("unexpected genotypes: %+v", genotypes)
	}

	series, ok, err := ReadHistorySeries(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read series: ok=%t err=%v", ok, err)
	}
	if len(series) != 2 || series[0] != 0.5 || series[1] != 0.75 {
		t.Fatalf("unexpected series: %v", series)
	}
}

func TestReadMissingArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	if _, ok, err := ReadRunConfig(baseDir, "missing"); ok || err != nil {
		t.Fatalf("expected missing config, ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadGenotypes(baseDir, "missing"); ok || err != nil {
		t.Fatalf("expected missing genotypes, ok=%t err=%v", ok, err)
	}
	if _, err := WriteRunArtifacts(baseDir, RunArtifacts{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestWriteRunConfigRejectsMismatchedID(t *testing.T) {
	baseDir := t.TempDir()
	if err := WriteRunConfig(baseDir, "run-1", RunConfig{RunID: "run-2"}); err == nil {
		t.Fatal("expected run id mismatch error")
	}
	if err := WriteRunConfig(baseDir, "run-1", RunConfig{Epochs: 3}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, ok, err := ReadRunConfig(baseDir, "run-1")
	if err != nil || !ok || cfg.RunID != "run-1" || cfg.Epochs != 3 {
		t.Fatalf("unexpected config: %+v ok=%t err=%v", cfg, ok, err)
	}
}

func TestRunIndexAppendListAndUpsert(t *testing.T) {
	baseDir := t.TempDir()

	err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:         "run-1",
		Dataset:       "synthetic",
		Seed:          1,
		Epochs:        3,
		BestValidTop1: 0.80,
		CreatedAtUTC:  "2026-02-10T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-1: %v", err)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:         "run-2",
		Dataset:       "synthetic",
		Seed:          2,
		Epochs:        3,
		BestValidTop1: 0.82,
		CreatedAtUTC:  "2026-02-10T11:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-2: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-2" || entries[1].RunID != "run-1" {
		t.Fatalf("unexpected order: %+v", entries)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:         "run-1",
		Dataset:       "synthetic",
		Seed:          1,
		Epochs:        3,
		BestValidTop1: 0.90,
		CreatedAtUTC:  "2026-02-10T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("upsert run-1: %v", err)
	}

	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list after upsert: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after upsert, got %d", len(entries))
	}
	if entries[0].RunID != "run-1" || entries[0].BestValidTop1 != 0.90 {
		t.Fatalf("unexpected upsert result: %+v", entries[0])
	}
}

func TestRunIndexEqualTimestampPrefersLaterAppend(t *testing.T) {
	baseDir := t.TempDir()
	ts := "2026-02-10T12:00:00Z"

	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-a", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-a: %v", err)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-b", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-b: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-b" {
		t.Fatalf("expected latest appended run-b first, got %+v", entries)
	}
}
