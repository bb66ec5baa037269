// Package dartsearch is the public entry point: it wires datasets, the
// supernet, the architect and the optimizers into a search run and reads
// finished runs back.
package dartsearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"
	"github.com/prometheus/client_golang/prometheus"

	"dartsearch/internal/architect"
	"dartsearch/internal/dataset"
	"dartsearch/internal/device"
	"dartsearch/internal/genotype"
	"dartsearch/internal/metrics"
	"dartsearch/internal/model"
	"dartsearch/internal/optim"
	"dartsearch/internal/schedule"
	"dartsearch/internal/search"
	"dartsearch/internal/stats"
	"dartsearch/internal/storage"
	"dartsearch/internal/supernet"
)

const (
	defaultModelSaveDir = "search"
	defaultExportsDir   = "exports"
	runIDLayout         = "%Y%m%d-%H%M%S"

	DatasetSynthetic = "synthetic"
	DatasetCSV       = "csv"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ModelSaveDir string
	ExportsDir   string
	Logger       *slog.Logger
	// Registerer receives the training metrics; nil disables them.
	Registerer prometheus.Registerer
}

type Client struct {
	store     storage.Store
	storeKind string
	ready     bool
	logger    *slog.Logger
	recorder  *metrics.Recorder
	host      device.Host

	saveDir    string
	exportsDir string
}

// RunRequest mirrors the search command line. Zero values take the defaults
// listed in DefaultRunRequest, except LearningRateMin: zero is a valid floor
// and only a negative value takes the default.
type RunRequest struct {
	RunID           string
	Dataset         string
	DataPath        string
	Seed            int64
	ReportFreq      int
	NumWorkers      int
	UseMultiprocess bool
	BatchSize       int
	LearningRate    float64
	LearningRateMin float64
	Momentum        float64
	WeightDecay     float64
	GradClip        float64
	Devices         string
	Epochs          int
	InitChannels    int
	Layers          int
	Steps           int
	ClassNum        int
	FeatureDim      int
	TrainsetNum     int
	TrainPortion    float64
	Cutout          bool
	CutoutLength    int
	ArchLR          float64
	ArchWeightDecay float64
}

// DefaultRunRequest returns the stock search settings. Network sizes are kept
// small since every gradient is computed numerically.
func DefaultRunRequest() RunRequest {
	return RunRequest{
		Dataset:         DatasetSynthetic,
		ReportFreq:      50,
		NumWorkers:      4,
		UseMultiprocess: true,
		BatchSize:       32,
		LearningRate:    0.025,
		LearningRateMin: 0.001,
		Momentum:        0.9,
		WeightDecay:     3e-4,
		GradClip:        5,
		Epochs:          10,
		InitChannels:    4,
		Layers:          5,
		Steps:           supernet.DefaultSteps,
		ClassNum:        4,
		FeatureDim:      8,
		TrainsetNum:     512,
		TrainPortion:    0.5,
		Cutout:          true,
		CutoutLength:    2,
		ArchLR:          3e-4,
		ArchWeightDecay: 1e-3,
	}
}

type RunSummary struct {
	RunID         string
	ArtifactsDir  string
	Devices       []int
	ParamBytes    uint64
	StepsPerEpoch int
	History       []model.EpochRecord
	BestValidTop1 float64
	FinalGenotype string
	Fingerprint   string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Dataset       string
	Seed          int64
	Epochs        int
	Layers        int
	Devices       int
	BestValidTop1 float64
}

// RunRef names a run either by id or as the most recent one.
type RunRef struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	saveDir := opts.ModelSaveDir
	if saveDir == "" {
		saveDir = defaultModelSaveDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := storage.NewStore(storeKind, opts.DBPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:      store,
		storeKind:  storeKind,
		logger:     logger,
		host:       device.DetectHost(),
		saveDir:    saveDir,
		exportsDir: exportsDir,
	}
	if opts.Registerer != nil {
		c.recorder = metrics.New(opts.Registerer)
	}
	return c, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.ensureStore(ctx)
}

// Reset drops every stored checkpoint, genotype and history record.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.ensureStore(ctx); err != nil {
		return err
	}
	return c.store.Reset(ctx)
}

func (c *Client) Host() device.Host {
	return c.host
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	req = withDefaults(req)
	if err := validate(req); err != nil {
		return RunSummary{}, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return RunSummary{}, err
	}

	devices, err := device.Visible(req.Devices, c.host)
	if err != nil {
		return RunSummary{}, err
	}
	now := time.Now().UTC()
	runID := req.RunID
	if runID == "" {
		runID = NewRunID(now)
	}
	logger := c.logger.With("run_id", runID)
	logger.Info("host", "cpu", c.host.String(), "devices", devices)

	ds, err := loadDataset(req)
	if err != nil {
		return RunSummary{}, err
	}
	if req.TrainsetNum <= 0 || req.Dataset == DatasetCSV {
		req.TrainsetNum = ds.Len()
	}
	req.FeatureDim, req.ClassNum = ds.Dim(), ds.Classes
	trainSet, validSet, err := dataset.Split(ds, req.TrainPortion, req.Seed)
	if err != nil {
		return RunSummary{}, err
	}
	workers := 1
	if req.UseMultiprocess {
		workers = req.NumWorkers
	}
	cutout := 0
	if req.Cutout {
		cutout = req.CutoutLength
	}
	trainLoader, err := dataset.NewLoader(trainSet, dataset.LoaderConfig{
		BatchSize: req.BatchSize, Workers: workers, Shuffle: true, CutoutLength: cutout, Seed: req.Seed,
	})
	if err != nil {
		return RunSummary{}, fmt.Errorf("train loader: %w", err)
	}
	validLoader, err := dataset.NewLoader(validSet, dataset.LoaderConfig{
		BatchSize: req.BatchSize, Workers: workers, Shuffle: true, Seed: req.Seed + 1,
	})
	if err != nil {
		return RunSummary{}, fmt.Errorf("valid loader: %w", err)
	}

	stepsPerEpoch := max(int(float64(req.TrainsetNum)*req.TrainPortion/float64(req.BatchSize)), 1)
	cfg := runConfig(runID, req, devices, stepsPerEpoch)
	cfg.Store = c.storeKind
	logger.Info("configuration", "config", cfg)

	net, err := supernet.New(supernet.Config{
		FeatureDim:   ds.Dim(),
		InitChannels: req.InitChannels,
		ClassNum:     ds.Classes,
		Layers:       req.Layers,
		Steps:        req.Steps,
	})
	if err != nil {
		return RunSummary{}, err
	}
	paramBytes := net.ParamBytes()
	logger.Info(fmt.Sprintf("param size = %.6fMB", float64(paramBytes)/1e6), "human", humanize.Bytes(paramBytes))

	rng := rand.New(rand.NewSource(req.Seed))
	state := search.TrainState{Arch: net.InitArchitecture(rng), Weights: net.InitWeights(rng)}

	arch, err := architect.New(net, architect.Config{
		LearningRate:       req.ArchLR,
		WeightDecay:        req.ArchWeightDecay,
		NetworkWeightDecay: req.WeightDecay,
		Replicas:           len(devices),
	})
	if err != nil {
		return RunSummary{}, err
	}
	cosine, err := schedule.NewCosine(req.LearningRate, req.LearningRateMin, cfg.ScheduleSteps)
	if err != nil {
		return RunSummary{}, err
	}
	executor, err := search.NewExecutor(search.ExecutorConfig{
		Model:     net,
		Architect: arch,
		Optimizer: optim.NewMomentum(req.Momentum, req.WeightDecay, req.GradClip),
		Clock:     schedule.NewClock(cosine),
		State:     state,
		Replicas:  len(devices),
		Recorder:  c.recorder,
	})
	if err != nil {
		return RunSummary{}, err
	}
	evaluator, err := search.NewEvaluator(net, state, len(devices), c.recorder)
	if err != nil {
		return RunSummary{}, err
	}
	extractor, err := genotype.NewExtractor(net.Primitives())
	if err != nil {
		return RunSummary{}, err
	}
	saver, err := storage.NewCheckpointSaver(c.store, runID, filepath.Join(c.saveDir, runID))
	if err != nil {
		return RunSummary{}, err
	}

	orchestrator, err := search.NewOrchestrator(search.Config{
		RunID:      runID,
		Epochs:     req.Epochs,
		ReportFreq: req.ReportFreq,
		Model:      net,
		Executor:   executor,
		Evaluator:  evaluator,
		Extractor:  extractor,
		State:      state,
		Train:      trainLoader,
		Valid:      validLoader,
		Persister:  saver,
		Genotypes:  c.store,
		Logger:     logger,
		Recorder:   c.recorder,
	})
	if err != nil {
		return RunSummary{}, err
	}
	result, err := orchestrator.Run(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("search run %s: %w", runID, err)
	}

	final := result.Genotypes[len(result.Genotypes)-1]
	if err := c.store.SaveEpochHistory(ctx, runID, result.History); err != nil {
		return RunSummary{}, err
	}
	if err := c.store.SaveRunSummary(ctx, model.RunSummary{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           runID,
		Epochs:          req.Epochs,
		BestValidTop1:   result.BestValidTop1,
		FinalGenotype:   genotype.Format(final),
	}); err != nil {
		return RunSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.saveDir, stats.RunArtifacts{
		Config:        cfg,
		History:       result.History,
		Genotypes:     result.Genotypes,
		BestValidTop1: result.BestValidTop1,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.saveDir, stats.RunIndexEntry{
		RunID:         runID,
		Dataset:       req.Dataset,
		Seed:          req.Seed,
		Epochs:        req.Epochs,
		Layers:        req.Layers,
		Devices:       len(devices),
		BestValidTop1: result.BestValidTop1,
		CreatedAtUTC:  now.Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}

	return RunSummary{
		RunID:         runID,
		ArtifactsDir:  filepath.Clean(runDir),
		Devices:       devices,
		ParamBytes:    paramBytes,
		StepsPerEpoch: stepsPerEpoch,
		History:       result.History,
		BestValidTop1: result.BestValidTop1,
		FinalGenotype: genotype.Format(final),
		Fingerprint:   final.Fingerprint,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.saveDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:         e.RunID,
			CreatedAtUTC:  e.CreatedAtUTC,
			Dataset:       e.Dataset,
			Seed:          e.Seed,
			Epochs:        e.Epochs,
			Layers:        e.Layers,
			Devices:       e.Devices,
			BestValidTop1: e.BestValidTop1,
		})
	}
	return out, nil
}

// History returns the per-epoch records of a run. The store is consulted
// first; runs made by another process are read from their artifacts.
func (c *Client) History(ctx context.Context, ref RunRef) ([]model.EpochRecord, error) {
	runID, err := c.resolveRun(ref, "history")
	if err != nil {
		return nil, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetEpochHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadEpochHistory(c.saveDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("epoch history not found for run id: %s", runID)
	}
	if ref.Limit > 0 && len(history) > ref.Limit {
		history = history[:ref.Limit]
	}
	return append([]model.EpochRecord(nil), history...), nil
}

// Genotypes returns the genotype decoded at the start of every epoch.
func (c *Client) Genotypes(ctx context.Context, ref RunRef) ([]model.Genotype, error) {
	runID, err := c.resolveRun(ref, "genotypes")
	if err != nil {
		return nil, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	genotypes, ok, err := c.store.GetGenotypes(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		genotypes, ok, err = stats.ReadGenotypes(c.saveDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("genotypes not found for run id: %s", runID)
	}
	if ref.Limit > 0 && len(genotypes) > ref.Limit {
		genotypes = genotypes[len(genotypes)-ref.Limit:]
	}
	return append([]model.Genotype(nil), genotypes...), nil
}

// Checkpoint loads a saved parameter set such as "best" or "final".
func (c *Client) Checkpoint(ctx context.Context, runID, postfix string) (model.Checkpoint, error) {
	if err := c.ensureStore(ctx); err != nil {
		return model.Checkpoint{}, err
	}
	saver, err := storage.NewCheckpointSaver(c.store, runID, filepath.Join(c.saveDir, runID))
	if err != nil {
		return model.Checkpoint{}, err
	}
	checkpoint, ok, err := saver.Load(ctx, postfix)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("checkpoint %s not found for run id: %s", postfix, runID)
	}
	return checkpoint, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	runID, err := c.resolveRun(RunRef{RunID: req.RunID, Latest: req.Latest}, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	exportedDir, err := stats.ExportRunArtifacts(c.saveDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// NewRunID stamps t and appends a random suffix so concurrent runs started in
// the same second stay distinct.
func NewRunID(t time.Time) string {
	return strftime.Format(runIDLayout, t) + "-" + uuid.NewString()[:8]
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.ready {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.ready = true
	return nil
}

func (c *Client) resolveRun(ref RunRef, what string) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if ref.Limit < 0 {
		return "", errors.New("limit must be >= 0")
	}
	if !ref.Latest {
		if ref.RunID == "" {
			return "", fmt.Errorf("%s requires run id or latest", what)
		}
		return ref.RunID, nil
	}
	entries, err := stats.ListRunIndex(c.saveDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func withDefaults(req RunRequest) RunRequest {
	def := DefaultRunRequest()
	if req.Dataset == "" {
		req.Dataset = def.Dataset
	}
	if req.ReportFreq <= 0 {
		req.ReportFreq = def.ReportFreq
	}
	if req.NumWorkers <= 0 {
		req.NumWorkers = def.NumWorkers
	}
	if req.BatchSize <= 0 {
		req.BatchSize = def.BatchSize
	}
	if req.LearningRate <= 0 {
		req.LearningRate = def.LearningRate
	}
	if req.LearningRateMin < 0 {
		req.LearningRateMin = def.LearningRateMin
	}
	if req.Epochs <= 0 {
		req.Epochs = def.Epochs
	}
	if req.InitChannels <= 0 {
		req.InitChannels = def.InitChannels
	}
	if req.Layers <= 0 {
		req.Layers = def.Layers
	}
	if req.Steps <= 0 {
		req.Steps = def.Steps
	}
	if req.ClassNum <= 0 && req.Dataset != DatasetCSV {
		req.ClassNum = def.ClassNum
	}
	if req.FeatureDim <= 0 {
		req.FeatureDim = def.FeatureDim
	}
	if req.TrainPortion <= 0 {
		req.TrainPortion = def.TrainPortion
	}
	if req.ArchLR <= 0 {
		req.ArchLR = def.ArchLR
	}
	return req
}

func validate(req RunRequest) error {
	if req.TrainPortion >= 1 {
		return fmt.Errorf("train portion must be in (0, 1), got %v", req.TrainPortion)
	}
	if req.LearningRateMin > req.LearningRate {
		return fmt.Errorf("learning rate min %v exceeds learning rate %v", req.LearningRateMin, req.LearningRate)
	}
	if req.Momentum < 0 || req.WeightDecay < 0 || req.ArchWeightDecay < 0 || req.GradClip < 0 {
		return errors.New("momentum, decays and grad clip must be >= 0")
	}
	if req.Cutout && req.CutoutLength < 0 {
		return fmt.Errorf("cutout length must be >= 0, got %d", req.CutoutLength)
	}
	switch req.Dataset {
	case DatasetSynthetic:
	case DatasetCSV:
		if req.DataPath == "" {
			return errors.New("csv dataset requires a data path")
		}
	default:
		return fmt.Errorf("unsupported dataset: %s", req.Dataset)
	}
	return nil
}

func loadDataset(req RunRequest) (*dataset.Dataset, error) {
	if req.Dataset == DatasetCSV {
		return dataset.LoadCSV(req.DataPath, req.ClassNum)
	}
	return dataset.Synthetic(dataset.SyntheticConfig{
		Samples:    max(req.TrainsetNum, 2*req.BatchSize),
		FeatureDim: req.FeatureDim,
		Classes:    req.ClassNum,
		Spread:     0.5,
		Seed:       req.Seed,
	})
}

func runConfig(runID string, req RunRequest, devices []int, stepsPerEpoch int) stats.RunConfig {
	return stats.RunConfig{
		RunID:            runID,
		Dataset:          req.Dataset,
		DataPath:         req.DataPath,
		Seed:             req.Seed,
		BatchSize:        req.BatchSize,
		LearningRate:     req.LearningRate,
		LearningRateMin:  req.LearningRateMin,
		Momentum:         req.Momentum,
		WeightDecay:      req.WeightDecay,
		GradClip:         req.GradClip,
		Epochs:           req.Epochs,
		InitChannels:     req.InitChannels,
		Layers:           req.Layers,
		Steps:            req.Steps,
		ClassNum:         req.ClassNum,
		FeatureDim:       req.FeatureDim,
		TrainsetNum:      req.TrainsetNum,
		TrainPortion:     req.TrainPortion,
		StepsPerEpoch:    stepsPerEpoch,
		ScheduleSteps:    4 * stepsPerEpoch,
		ArchLearningRate: req.ArchLR,
		ArchWeightDecay:  req.ArchWeightDecay,
		Cutout:           req.Cutout,
		CutoutLength:     req.CutoutLength,
		ReportFreq:       req.ReportFreq,
		Devices:          devices,
		NumWorkers:       req.NumWorkers,
		UseMultiprocess:  req.UseMultiprocess,
	}
}
