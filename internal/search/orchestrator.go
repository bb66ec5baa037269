package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dartsearch/internal/genotype"
	"dartsearch/internal/metrics"
	"dartsearch/internal/model"
	"dartsearch/internal/stats"
	"dartsearch/internal/storage"
)

// State is the orchestrator lifecycle: Init, then EpochRunning for every
// epoch, then Done.
type State int

const (
	StateInit State = iota
	StateEpochRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEpochRunning:
		return "epoch_running"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultReportFreq = 50
	checkpointBest    = "best"
	checkpointFinal   = "final"
)

type Config struct {
	RunID      string
	Epochs     int
	ReportFreq int

	Model     Model
	Executor  *Executor
	Evaluator *Evaluator
	Extractor *genotype.Extractor
	State     TrainState
	Train     Source
	Valid     Source

	// Optional collaborators.
	Persister Persister
	Genotypes GenotypeSink
	Logger    *slog.Logger
	Recorder  *metrics.Recorder
}

// Result is the outcome of a completed run.
type Result struct {
	History       []model.EpochRecord
	Genotypes     []model.Genotype
	BestValidTop1 float64
	Steps         int
}

// Orchestrator drives the epochs of one search run. Epoch averages weigh each
// batch by the number of samples it actually holds rather than by the
// configured batch size, so a short last batch counts for less.
type Orchestrator struct {
	cfg   Config
	log   *slog.Logger
	state State
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be > 0, got %d", cfg.Epochs)
	}
	if cfg.Model == nil || cfg.Executor == nil || cfg.Evaluator == nil || cfg.Extractor == nil {
		return nil, errors.New("model, executor, evaluator and extractor are required")
	}
	if cfg.Train == nil || cfg.Valid == nil {
		return nil, errors.New("training and validation sources are required")
	}
	if err := cfg.State.validate(); err != nil {
		return nil, err
	}
	if cfg.ReportFreq <= 0 {
		cfg.ReportFreq = defaultReportFreq
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{cfg: cfg, log: logger, state: StateInit}, nil
}

func (o *Orchestrator) State() State {
	return o.state
}

// Run executes every epoch. Any failure aborts the run; nothing is retried.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if o.state != StateInit {
		return Result{}, fmt.Errorf("orchestrator cannot run from state %s", o.state)
	}
	o.state = StateEpochRunning

	var result Result
	for epoch := 0; epoch < o.cfg.Epochs; epoch++ {
		if err := o.runEpoch(ctx, epoch, &result); err != nil {
			return result, err
		}
	}

	if err := o.save(ctx, checkpointFinal, o.cfg.Epochs-1); err != nil {
		return result, err
	}
	o.state = StateDone
	return result, nil
}

// runEpoch extracts the genotype, trains, validates and checkpoints on
// improvement, appending the epoch's record to result.
func (o *Orchestrator) runEpoch(ctx context.Context, epoch int, result *Result) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "search.Epoch",
		trace.WithAttributes(attribute.Int("epoch", epoch)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "epoch failed")
		}
		span.End()
	}()

	g, err := o.extractGenotype(ctx, epoch)
	if err != nil {
		return fmt.Errorf("epoch %d genotype: %w", epoch, err)
	}
	result.Genotypes = append(result.Genotypes, g)
	span.SetAttributes(attribute.String("fingerprint", g.Fingerprint))

	record := model.EpochRecord{VersionedRecord: storage.CurrentVersion(), Epoch: epoch}

	train, steps, lastLR, err := o.trainPass(ctx, epoch)
	if err != nil {
		return fmt.Errorf("epoch %d training: %w", epoch, err)
	}
	result.Steps += steps
	record.TrainSteps, record.LastLR = steps, lastLR
	record.TrainLoss, record.TrainTop1, record.TrainTop5 = train.Loss, train.Top1, train.Top5
	o.log.Info(fmt.Sprintf("Epoch %d, train_acc %.6f", epoch, train.Top1))

	valid, validSteps, err := o.validPass(ctx, epoch)
	if err != nil {
		return fmt.Errorf("epoch %d validation: %w", epoch, err)
	}
	record.ValidSteps = validSteps
	record.ValidLoss, record.ValidTop1, record.ValidTop5 = valid.Loss, valid.Top1, valid.Top5

	if valid.Top1 > result.BestValidTop1 {
		result.BestValidTop1 = valid.Top1
		if err := o.save(ctx, checkpointBest, epoch); err != nil {
			return err
		}
	}
	record.BestValidTop1 = result.BestValidTop1
	o.log.Info(fmt.Sprintf("Epoch %d, valid_acc %.6f, best_valid_acc %.6f", epoch, valid.Top1, result.BestValidTop1))
	span.SetAttributes(attribute.Float64("valid_top1", valid.Top1))

	result.History = append(result.History, record)
	o.cfg.Recorder.ObserveEpoch(result.BestValidTop1)
	return nil
}

func (o *Orchestrator) extractGenotype(ctx context.Context, epoch int) (model.Genotype, error) {
	probe := archProbe{model: o.cfg.Model, state: o.cfg.State}
	g, err := o.cfg.Extractor.Extract(ctx, probe)
	if err != nil {
		return model.Genotype{}, err
	}
	g.VersionedRecord = storage.CurrentVersion()
	g.RunID = o.cfg.RunID
	g.Epoch = epoch
	o.log.Info("genotype = "+genotype.Format(g), "epoch", epoch, "fingerprint", g.Fingerprint)
	if o.cfg.Genotypes != nil {
		if err := o.cfg.Genotypes.SaveGenotype(ctx, g); err != nil {
			return model.Genotype{}, fmt.Errorf("save genotype: %w", err)
		}
	}
	return g, nil
}

// trainPass zips the two sources and stops at the shorter one.
func (o *Orchestrator) trainPass(ctx context.Context, epoch int) (stats.Snapshot, int, float64, error) {
	var meters stats.MeterSet
	nextValid, stopValid := iter.Pull2(o.cfg.Valid.Batches(ctx))
	defer stopValid()

	steps := 0
	lastLR := 0.0
	for trainBatch, err := range o.cfg.Train.Batches(ctx) {
		if err != nil {
			return stats.Snapshot{}, steps, lastLR, err
		}
		validBatch, err, ok := nextValid()
		if !ok {
			break
		}
		if err != nil {
			return stats.Snapshot{}, steps, lastLR, err
		}

		res, err := o.cfg.Executor.Step(ctx, Pair{Train: trainBatch, Valid: validBatch})
		if err != nil {
			return stats.Snapshot{}, steps, lastLR, fmt.Errorf("step %d: %w", steps, err)
		}
		if err := meters.Update(res.Metrics.Loss, res.Metrics.Top1, res.Metrics.Top5, float64(res.BatchSize)); err != nil {
			return stats.Snapshot{}, steps, lastLR, err
		}
		lastLR = res.LR

		avg, err := meters.Averages()
		if err != nil {
			return stats.Snapshot{}, steps, lastLR, err
		}
		o.cfg.Recorder.ObserveStep(metrics.PhaseTrain, avg.Loss, avg.Top1, avg.Top5)
		if steps%o.cfg.ReportFreq == 0 {
			o.log.Info(fmt.Sprintf("Train Epoch %d, Step %d, Lr %.8f, loss %.6f, acc_1 %.6f, acc_5 %.6f",
				epoch, steps, res.LR, avg.Loss, avg.Top1, avg.Top5))
		}
		steps++
	}

	avg, err := meters.Averages()
	if err != nil {
		return stats.Snapshot{}, steps, lastLR, fmt.Errorf("no training steps: %w", err)
	}
	return avg, steps, lastLR, nil
}

func (o *Orchestrator) validPass(ctx context.Context, epoch int) (stats.Snapshot, int, error) {
	var meters stats.MeterSet
	steps := 0
	for batch, err := range o.cfg.Valid.Batches(ctx) {
		if err != nil {
			return stats.Snapshot{}, steps, err
		}
		m, err := o.cfg.Evaluator.Evaluate(ctx, batch)
		if err != nil {
			return stats.Snapshot{}, steps, fmt.Errorf("step %d: %w", steps, err)
		}
		if err := meters.Update(m.Loss, m.Top1, m.Top5, float64(batch.Len())); err != nil {
			return stats.Snapshot{}, steps, err
		}

		avg, err := meters.Averages()
		if err != nil {
			return stats.Snapshot{}, steps, err
		}
		o.cfg.Recorder.ObserveStep(metrics.PhaseValid, avg.Loss, avg.Top1, avg.Top5)
		if steps%o.cfg.ReportFreq == 0 {
			o.log.Info(fmt.Sprintf("Valid Epoch %d, Step %d, loss %.3f, acc_1 %.6f, acc_5 %.6f",
				epoch, steps, avg.Loss, avg.Top1, avg.Top5))
		}
		steps++
	}

	avg, err := meters.Averages()
	if err != nil {
		return stats.Snapshot{}, steps, fmt.Errorf("no validation steps: %w", err)
	}
	return avg, steps, nil
}

func (o *Orchestrator) save(ctx context.Context, postfix string, epoch int) error {
	if o.cfg.Persister == nil {
		return nil
	}
	o.log.Info("save models to " + postfix)
	if err := o.cfg.Persister.Save(ctx, postfix, epoch, o.cfg.State.Tensors()); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", postfix, err)
	}
	return nil
}

// archProbe reads the architecture through an evaluation on private copies
// of the state and a zero placeholder sample.
type archProbe struct {
	model Model
	state TrainState
}

func (p archProbe) ArchitectureValues(ctx context.Context) ([]model.ParamSpec, [][]float64, error) {
	arch := p.state.Arch.Clone()
	placeholder := model.Batch{
		Features: [][]float64{make([]float64, p.model.InputDim())},
		Labels:   []int{0},
	}
	if _, err := p.model.Metrics(ctx, arch, p.state.Weights.Clone(), placeholder); err != nil {
		return nil, nil, err
	}
	return arch.Specs, arch.Values, nil
}
