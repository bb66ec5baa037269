package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"dartsearch/internal/model"
)

const (
	runIndexFile     = "run_index.json"
	configFile       = "config.json"
	historyFile      = "epoch_history.json"
	genotypesFile    = "genotypes.json"
	historySeriesCSV = "history.csv"
)

type RunConfig struct {
	RunID            string  `json:"run_id"`
	Dataset          string  `json:"dataset"`
	DataPath         string  `json:"data_path,omitempty"`
	Seed             int64   `json:"seed"`
	BatchSize        int     `json:"batch_size"`
	LearningRate     float64 `json:"learning_rate"`
	LearningRateMin  float64 `json:"learning_rate_min"`
	Momentum         float64 `json:"momentum"`
	WeightDecay      float64 `json:"weight_decay"`
	GradClip         float64 `json:"grad_clip"`
	Epochs           int     `json:"epochs"`
	InitChannels     int     `json:"init_channels"`
	Layers           int     `json:"layers"`
	Steps            int     `json:"steps"`
	ClassNum         int     `json:"class_num"`
	FeatureDim       int     `json:"feature_dim"`
	TrainsetNum      int     `json:"trainset_num"`
	TrainPortion     float64 `json:"train_portion"`
	StepsPerEpoch    int     `json:"steps_per_epoch"`
	ScheduleSteps    int     `json:"schedule_steps"`
	ArchLearningRate float64 `json:"arch_learning_rate"`
	ArchWeightDecay  float64 `json:"arch_weight_decay"`
	Cutout           bool    `json:"cutout"`
	CutoutLength     int     `json:"cutout_length"`
	ReportFreq       int     `json:"report_freq"`
	Devices          []int   `json:"devices"`
	NumWorkers       int     `json:"num_workers"`
	UseMultiprocess  bool    `json:"use_multiprocess"`
	Store            string  `json:"store"`
}

type RunArtifacts struct {
	Config        RunConfig           `json:"config"`
	History       []model.EpochRecord `json:"history"`
	Genotypes     []model.Genotype    `json:"genotypes"`
	BestValidTop1 float64             `json:"best_valid_top1"`
}

type RunIndexEntry struct {
	RunID         string  `json:"run_id"`
	Dataset       string  `json:"dataset"`
	Seed          int64   `json:"seed"`
	Epochs        int     `json:"epochs"`
	Layers        int     `json:"layers"`
	Devices       int     `json:"devices"`
	BestValidTop1 float64 `json:"best_valid_top1"`
	CreatedAtUTC  string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), map[string]any{"epochs": artifacts.History, "best_valid_top1": artifacts.BestValidTop1}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, genotypesFile), artifacts.Genotypes); err != nil {
		return "", err
	}
	if err := WriteHistorySeries(runDir, artifacts.History); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, genotypesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	seriesPath := filepath.Join(src, historySeriesCSV)
	if _, err := os.Stat(seriesPath); err == nil {
		if err := copyFile(seriesPath, filepath.Join(dst, historySeriesCSV)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadEpochHistory(baseDir, runID string) ([]model.EpochRecord, bool, error) {
	var payload struct {
		Epochs []model.EpochRecord `json:"epochs"`
	}
	ok, err := readJSON(filepath.Join(baseDir, runID, historyFile), &payload)
	return payload.Epochs, ok, err
}

func ReadGenotypes(baseDir, runID string) ([]model.Genotype, bool, error) {
	var genotypes []model.Genotype
	ok, err := readJSON(filepath.Join(baseDir, runID, genotypesFile), &genotypes)
	return genotypes, ok, err
}

// WriteHistorySeries writes one CSV row per epoch for plotting.
func WriteHistorySeries(runDir string, history []model.EpochRecord) error {
	path := filepath.Join(runDir, historySeriesCSV)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "last_lr", "train_loss", "train_top1", "valid_loss", "valid_top1", "best_valid_top1"}); err != nil {
		return err
	}
	for _, record := range history {
		if err := writer.Write([]string{
			strconv.Itoa(record.Epoch),
			formatFloat(record.LastLR),
			formatFloat(record.TrainLoss),
			formatFloat(record.TrainTop1),
			formatFloat(record.ValidLoss),
			formatFloat(record.ValidTop1),
			formatFloat(record.BestValidTop1),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadHistorySeries returns the valid_top1 column of history.csv.
func ReadHistorySeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, historySeriesCSV)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	column := -1
	for i, name := range header {
		if name == "valid_top1" {
			column = i
		}
	}
	if column < 0 {
		return nil, false, fmt.Errorf("history series is missing valid_top1 column")
	}

	series := make([]float64, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[column], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
